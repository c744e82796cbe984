// Package storage lays out the output tree of the crawler.
//
// Every account gets one directory under the output root, named after its
// screen name (or its id). File sinks write their result files there and the
// media downloader places the img, video and live_photo trees next to them:
//
//	weibo/
//	    Dear-迪丽热巴/
//	        1669879400.csv
//	        1669879400.json
//	        img/original/20240310_5001.jpg
//
// WriteFileAtomic replaces a file through a temporary sibling and a rename so
// a crash never leaves a truncated result file behind.
package storage
