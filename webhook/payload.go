package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raibid-labs/raibid/job"
)

// Push is the flavor-independent result of parsing a push payload.
type Push struct {
	Repo   string // "owner/name"
	Branch string
	Commit string
	Author string
}

// pushPayload covers the fields both dialects share. The pusher identifier
// differs: gitea sends pusher.username, github sends pusher.name. Unknown
// fields are tolerated.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"pusher"`
}

// ParsePush extracts the repo, branch, commit and author from a raw push
// payload. The branch defaults to main when the ref is absent.
func ParsePush(flavor Flavor, body []byte) (*Push, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrMalformedPayload, err)
	}
	if p.Repository.FullName == "" {
		return nil, fmt.Errorf("%w: missing repository.full_name", job.ErrMalformedPayload)
	}

	branch := strings.TrimPrefix(p.Ref, "refs/heads/")
	if branch == "" {
		branch = "main"
	}

	author := p.Pusher.Username
	if flavor == FlavorGithub || author == "" {
		if p.Pusher.Name != "" {
			author = p.Pusher.Name
		}
	}

	return &Push{
		Repo:   p.Repository.FullName,
		Branch: branch,
		Commit: p.After,
		Author: author,
	}, nil
}
