package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Account is one crawl target. An empty SinceDate falls back to
// crawl.since_date and nil Queries fall back to accounts.query_list.
type Account struct {
	ID         string
	ScreenName string
	SinceDate  string
	Queries    []string
}

// Targets resolves the crawl targets, reading the account file when set
func (c *Config) Targets() ([]Account, error) {
	if c.Accounts.UserIDFile != "" {
		return ReadAccountFile(c.Accounts.UserIDFile)
	}
	out := make([]Account, 0, len(c.Accounts.UserIDList))
	for _, id := range c.Accounts.UserIDList {
		out = append(out, Account{ID: id})
	}
	return out, nil
}

// ReadAccountFile parses a line oriented account file. Each line holds
// "uid [screen_name [since_date [q1,q2]]]" separated by single spaces; lines that
// do not start with a numeric id are ignored. Duplicate lines are collapsed.
func ReadAccountFile(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read account file: %w", err)
	}

	var accounts []Account
	seen := make(map[string]bool)
	for _, line := range splitLines(data) {
		line = strings.TrimSpace(line)
		info := strings.Split(line, " ")
		if !isDigits(info[0]) {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true

		acc := Account{ID: info[0]}
		if len(info) > 1 {
			acc.ScreenName = info[1]
		}
		if len(info) > 2 {
			if _, err := ParseSinceDate(info[2], timeNow()); err != nil {
				return nil, fmt.Errorf("account %s: %w", acc.ID, err)
			}
			acc.SinceDate = info[2]
		}
		if len(info) > 3 {
			acc.Queries = splitList(info[3])
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// UpdateAccountFile rewrites the line of account uid with its screen name and
// the start date of the run that just completed. Other lines are kept verbatim.
func UpdateAccountFile(path, uid, screenName, startDate string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read account file: %w", err)
	}

	lines := splitLines(data)
	for i, line := range lines {
		info := strings.Split(line, " ")
		if !isDigits(info[0]) || info[0] != uid {
			continue
		}
		switch len(info) {
		case 1:
			info = append(info, screenName, startDate)
		case 2:
			info = append(info, startDate)
		default:
			info[2] = startDate
		}
		lines[i] = strings.Join(info, " ")
		break
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write account file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace account file: %w", err)
	}
	return nil
}

func splitLines(data []byte) []string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.Split(text, "\n")
}
