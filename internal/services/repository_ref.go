package services

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/alimgiray/repomailer/internal/models"
)

var (
	ownerPattern    = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
)

// ParseRepositoryRef accepts "owner/name", a browsing URL or an SSH clone address
// and returns the owner and repository name
func ParseRepositoryRef(ref string) (owner, name string, err error) {
	invalid := models.NewPipelineError(models.ErrorKindInvalidRepository,
		fmt.Sprintf("invalid repository %q: expected owner/name or a GitHub URL", ref), nil)

	s := strings.TrimSpace(ref)
	// URLs may carry extra path segments such as /tree/main; a bare reference may not
	isURL := true

	switch lower := strings.ToLower(s); {
	case s == "":
		return "", "", invalid
	case strings.HasPrefix(s, "git@"):
		idx := strings.Index(s, ":")
		if idx < 0 {
			return "", "", invalid
		}
		s = s[idx+1:]
	case strings.Contains(s, "://"):
		u, perr := url.Parse(s)
		if perr != nil || u.Host == "" {
			return "", "", invalid
		}
		s = u.Path
	case strings.HasPrefix(lower, "github.com/"):
		s = s[len("github.com/"):]
	case strings.HasPrefix(lower, "www.github.com/"):
		s = s[len("www.github.com/"):]
	default:
		isURL = false
	}

	segments := strings.Split(strings.Trim(s, "/"), "/")
	if len(segments) < 2 || (!isURL && len(segments) != 2) {
		return "", "", invalid
	}

	owner = segments[0]
	name = strings.TrimSuffix(segments[1], ".git")
	if !ownerPattern.MatchString(owner) || !repoNamePattern.MatchString(name) || name == "." || name == ".." {
		return "", "", invalid
	}
	return owner, name, nil
}
