package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/troupe/internal/webtext"
)

const (
	nodeMaxURLs  = 2
	nodeMaxChars = 3000
	nodeCacheTTL = time.Hour
)

// PageFetcher fetches readable page text.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, maxChars int) (*webtext.Page, error)
}

// Node gives agents the text of web pages linked in a message. One
// instance is shared by every runtime in the process.
type Node struct {
	fetcher PageFetcher
	logger  *slog.Logger
}

// NewNode creates the shared node plugin. A nil fetcher uses
// webtext.New.
func NewNode(fetcher PageFetcher, logger *slog.Logger) *Node {
	if fetcher == nil {
		fetcher = webtext.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{fetcher: fetcher, logger: logger}
}

func (n *Node) Name() string        { return "node" }
func (n *Node) Description() string { return "Reads web pages linked in messages" }
func (n *Node) Actions() []Action   { return nil }
func (n *Node) Services() []Service { return nil }

func (n *Node) Providers() []Provider { return []Provider{pageProvider{node: n}} }

type pageProvider struct {
	node *Node
}

func (pageProvider) Name() string { return "web_pages" }

func (p pageProvider) Get(ctx context.Context, env Env, msg Message) (string, error) {
	urls := webtext.FindURLs(msg.Text, nodeMaxURLs)
	if len(urls) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, u := range urls {
		page, err := p.page(ctx, env, u)
		if err != nil {
			p.node.logger.Debug("page fetch failed", "url", u, "error", err)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if page.Title != "" {
			fmt.Fprintf(&b, "Content of %s (%s):\n%s", page.URL, page.Title, page.Text)
		} else {
			fmt.Fprintf(&b, "Content of %s:\n%s", page.URL, page.Text)
		}
	}
	return b.String(), nil
}

func (p pageProvider) page(ctx context.Context, env Env, u string) (*webtext.Page, error) {
	key := "node/page/" + u
	if env.Cache != nil {
		var cached webtext.Page
		if ok, err := env.Cache.Get(ctx, key, &cached); err == nil && ok {
			return &cached, nil
		}
	}
	page, err := p.node.fetcher.Fetch(ctx, u, nodeMaxChars)
	if err != nil {
		return nil, err
	}
	if env.Cache != nil {
		if err := env.Cache.Set(ctx, key, page, nodeCacheTTL); err != nil {
			p.node.logger.Debug("cache page failed", "url", u, "error", err)
		}
	}
	return page, nil
}
