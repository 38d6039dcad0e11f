package gateway

import (
	"html/template"
	"net/url"
	"strings"
)

var pages = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html>
<head><title>Verification required</title></head>
<body>
  <h2>Complete CAPTCHA to Proceed</h2>
  {{if .Message}}<p class="error">{{.Message}}</p>{{end}}
  <form action="/validate" method="POST">
    <label for="captcha">{{.Question}}</label>
    <input type="text" id="captcha" name="captcha" autocomplete="off" autofocus>
    <input type="hidden" name="next" value="{{.Next}}">
    <button type="submit">Submit</button>
  </form>
</body>
</html>
`))

func init() {
	template.Must(pages.New("degraded").Parse(`<!DOCTYPE html>
<html>
<head><title>Service degraded</title></head>
<body>
  <h2>Service temporarily unavailable</h2>
  <p>The site is not reachable right now. Please try again in a moment.</p>
</body>
</html>
`))
	template.Must(pages.New("denied").Parse(`<!DOCTYPE html>
<html>
<head><title>Access denied</title></head>
<body>
  <h2>Access denied</h2>
  <p>{{.Message}}</p>
</body>
</html>
`))
}

type pageData struct {
	Question string
	Message  string
	Next     string
}

var messages = map[string]string{
	"wrong_answer":      "CAPTCHA incorrect.",
	"retry_too_soon":    "Please wait before retrying.",
	"no_challenge":      "No challenge is pending. Reload the page to get one.",
	"challenge_expired": "The challenge expired. Reload the page to get a new one.",
	"blocked":           "Your IP is blocked due to suspicious activity.",
}

func messageFor(reason string) string {
	if m, ok := messages[reason]; ok {
		return m
	}
	return "Your IP is blocked due to suspicious activity."
}

// SanitizeNext keeps only local absolute paths so the post-validation
// redirect cannot leave the site.
func SanitizeNext(next, fallback string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	if u.Path == "/validate" {
		return fallback
	}
	return u.RequestURI()
}
