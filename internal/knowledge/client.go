// Package knowledge fetches short factual extracts from Wikipedia.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Extract is the best article match for a topic. When Found is false no
// article matched and the other fields are empty.
type Extract struct {
	Topic     string
	Title     string
	Text      string
	SourceURL string
	Found     bool
}

// RetrievalError reports a failed lookup. Transient failures (timeouts,
// connection errors, 5xx) are worth retrying; malformed responses and 4xx
// are not.
type RetrievalError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("knowledge: %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

type Client struct {
	SearchURL string // MediaWiki action API endpoint
	RestURL   string // REST API base
	UserAgent string
	MaxChars  int
	Client    *http.Client
}

func NewClient(searchURL, restURL, userAgent string, timeout time.Duration, maxChars int) *Client {
	if searchURL == "" {
		searchURL = "https://en.wikipedia.org/w/api.php"
	}
	if restURL == "" {
		restURL = "https://en.wikipedia.org/api/rest_v1"
	}
	if userAgent == "" {
		userAgent = "wikichat/1.0 (chat knowledge lookups)"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 800
	}
	return &Client{
		SearchURL: searchURL,
		RestURL:   strings.TrimRight(restURL, "/"),
		UserAgent: userAgent,
		MaxChars:  maxChars,
		Client:    &http.Client{Timeout: timeout},
	}
}

type searchResp struct {
	Query struct {
		Search []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"search"`
	} `json:"query"`
}

type summaryResp struct {
	Extract     string `json:"extract"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}

// Lookup resolves a topic to its best matching article extract. A topic
// with no matches returns Extract{Found: false} and a nil error; only the
// lookup itself failing is an error.
func (c *Client) Lookup(ctx context.Context, topic string) (Extract, error) {
	topic = normalizeTopic(topic)
	if topic == "" {
		return Extract{}, &RetrievalError{Op: "search", Err: errors.New("empty topic")}
	}

	title, snippet, found, err := c.search(ctx, topic)
	if err != nil {
		return Extract{}, err
	}
	if !found {
		return Extract{Topic: topic}, nil
	}

	text, pageURL, err := c.summary(ctx, title)
	if err != nil || text == "" {
		// The summary endpoint is flaky for some namespaces; the search
		// snippet still gives us something to ground on.
		text = cleanSnippet(snippet)
		pageURL = c.pageURL(title)
	}

	return Extract{
		Topic:     topic,
		Title:     title,
		Text:      c.truncate(text),
		SourceURL: pageURL,
		Found:     true,
	}, nil
}

func (c *Client) search(ctx context.Context, topic string) (title, snippet string, found bool, err error) {
	q := url.Values{}
	q.Set("action", "query")
	q.Set("format", "json")
	q.Set("list", "search")
	q.Set("srsearch", topic)
	q.Set("srlimit", "1")
	q.Set("srprop", "snippet")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.SearchURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", "", false, &RetrievalError{Op: "search", Err: err}
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.Client.Do(req)
	if err != nil {
		// Timeouts, DNS and connection failures are all worth retrying.
		return "", "", false, &RetrievalError{Op: "search", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return "", "", false, &RetrievalError{
			Op:        "search",
			Transient: resp.StatusCode >= 500,
			Err:       fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var decoded searchResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", false, &RetrievalError{Op: "search", Err: err}
	}
	if len(decoded.Query.Search) == 0 {
		return "", "", false, nil
	}
	hit := decoded.Query.Search[0]
	return hit.Title, hit.Snippet, true, nil
}

func (c *Client) summary(ctx context.Context, title string) (text, pageURL string, err error) {
	slug := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RestURL+"/page/summary/"+slug, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return "", "", fmt.Errorf("summary status %d", resp.StatusCode)
	}

	var decoded summaryResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", err
	}
	pageURL = decoded.ContentURLs.Desktop.Page
	if pageURL == "" {
		pageURL = c.pageURL(title)
	}
	return decoded.Extract, pageURL, nil
}

// pageURL builds a canonical article URL on the same host as the REST base.
func (c *Client) pageURL(title string) string {
	slug := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	u, err := url.Parse(c.RestURL)
	if err != nil || u.Host == "" {
		return "https://en.wikipedia.org/wiki/" + slug
	}
	return fmt.Sprintf("%s://%s/wiki/%s", u.Scheme, u.Host, slug)
}

func (c *Client) truncate(s string) string {
	r := []rune(s)
	if len(r) <= c.MaxChars {
		return s
	}
	return string(r[:c.MaxChars]) + "..."
}

var snippetMarkup = strings.NewReplacer(`<span class="searchmatch">`, "", `</span>`, "")

func cleanSnippet(s string) string {
	return html.UnescapeString(snippetMarkup.Replace(s))
}

// normalizeTopic trims and collapses internal whitespace runs.
func normalizeTopic(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
