package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"done-light/internal/messages"
)

const (
	headerNotBefore     = "done-not-before"
	headerDelay         = "done-delay"
	headerForwardPrefix = "done-forward-"
	headerCommandPrefix = "done-"

	messagesPrefix = "/v1/messages/"
)

var delayPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// schemeSlash repairs "https:/host" back to "https://host"; proxies and path
// normalization like to collapse the double slash.
var schemeSlash = regexp.MustCompile(`^(https?):/([^/])`)

// callbackTarget recovers the target URL from everything after the
// /v1/messages/ prefix, query string included.
func callbackTarget(c *fiber.Ctx) (string, error) {
	original := c.OriginalURL()
	idx := strings.Index(original, messagesPrefix)
	if idx < 0 {
		return "", fmt.Errorf("missing callback url")
	}
	raw := original[idx+len(messagesPrefix):]
	raw = schemeSlash.ReplaceAllString(raw, "$1://$2")

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %v", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("callback url must be absolute http(s)")
	}
	return raw, nil
}

// parseDirectives splits the Done-* request headers into the publish
// schedule, the forwarded header set, and the command header set.
func parseDirectives(c *fiber.Ctx, now time.Time) (time.Time, messages.Headers, error) {
	hdrs := messages.Headers{
		Forward: map[string]string{},
		Command: map[string]string{},
	}

	var notBefore, delay string
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := strings.ToLower(string(key))
		switch {
		case name == headerNotBefore:
			notBefore = string(value)
		case name == headerDelay:
			delay = string(value)
		case strings.HasPrefix(name, headerForwardPrefix):
			hdrs.Forward[strings.TrimPrefix(name, headerForwardPrefix)] = string(value)
		case strings.HasPrefix(name, headerCommandPrefix):
			hdrs.Command[strings.TrimPrefix(name, headerCommandPrefix)] = string(value)
		}
	})

	publishAt := now
	switch {
	case notBefore != "":
		secs, err := strconv.ParseInt(notBefore, 10, 64)
		if err != nil {
			return time.Time{}, hdrs, fmt.Errorf("invalid Done-Not-Before %q: expected unix seconds", notBefore)
		}
		publishAt = time.Unix(secs, 0).UTC()
	case delay != "":
		d, err := parseDelay(delay)
		if err != nil {
			return time.Time{}, hdrs, err
		}
		publishAt = now.Add(d)
	}
	return publishAt.UTC().Truncate(time.Second), hdrs, nil
}

func parseDelay(raw string) (time.Duration, error) {
	match := delayPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(raw)))
	if match == nil {
		return 0, fmt.Errorf("invalid Done-Delay %q: expected <n><s|m|h|d>", raw)
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Done-Delay %q: %v", raw, err)
	}
	switch match[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}
