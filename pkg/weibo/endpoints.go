package weibo

import (
	"net/url"
	"strconv"
)

const (
	// IndexEndpoint serves every container: timelines, profiles, searches
	IndexEndpoint = "/api/container/getIndex"

	// HotflowEndpoint is the cursor based comment endpoint, it needs a cookie
	HotflowEndpoint = "/comments/hotflow"

	// CommentsShowEndpoint is the page based comment endpoint
	CommentsShowEndpoint = "/api/comments/show"

	// RepostTimelineEndpoint lists reposts page by page
	RepostTimelineEndpoint = "/api/statuses/repostTimeline"

	timelinePrefix = "230413"
	profilePrefix  = "100505"
	infoPrefix     = "230283"
	searchPrefix   = "100103type=401&q="
)

// TimelineParams builds the query of one timeline page. A non-empty query
// searches within the account instead.
func TimelineParams(uid, query string, page, count int) url.Values {
	params := url.Values{}
	if query != "" {
		params.Set("container_ext", "profile_uid:"+uid)
		params.Set("containerid", searchPrefix+query)
		params.Set("page_type", "searchall")
	} else {
		params.Set("containerid", timelinePrefix+uid)
	}
	params.Set("page", strconv.Itoa(page))
	if count > 0 {
		params.Set("count", strconv.Itoa(count))
	}
	return params
}

// ProfileParams builds the query of the profile container
func ProfileParams(uid string) url.Values {
	return url.Values{"containerid": {profilePrefix + uid}}
}

// InfoParams builds the query of the extended profile container
func InfoParams(uid string) url.Values {
	return url.Values{"containerid": {infoPrefix + uid + "_-_INFO"}}
}

// DetailPath returns the path of the long-form page of a post
func DetailPath(id string) string {
	return "/detail/" + id
}

// HotflowParams builds a cursor based comment query. maxID "" asks for the
// first page.
func HotflowParams(id, maxID string) url.Values {
	params := url.Values{"mid": {id}, "max_id_type": {"0"}}
	if maxID != "" && maxID != "0" {
		params.Set("max_id", maxID)
	}
	return params
}

// CommentsShowParams builds a page based comment query
func CommentsShowParams(id string, page int) url.Values {
	return url.Values{"id": {id}, "page": {strconv.Itoa(page)}}
}

// RepostParams builds a repost timeline query
func RepostParams(id string, page int) url.Values {
	return url.Values{"id": {id}, "page": {strconv.Itoa(page)}}
}
