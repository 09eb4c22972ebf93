package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/starkbot/internal/news"
)

// NewsSource returns recent articles, newest first.
type NewsSource interface {
	Latest(ctx context.Context) ([]news.Article, error)
}

// RegisterNewsTools adds get_news.
func RegisterNewsTools(r *Registry, src NewsSource) {
	r.Register(&Tool{
		Name:        "get_news",
		Description: "Get the latest crypto news",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			articles, err := src.Latest(ctx)
			if err != nil {
				return "", fmt.Errorf("fetch news: %w", err)
			}
			if len(articles) == 0 {
				return "No news articles are available right now.", nil
			}
			data, err := json.Marshal(articles)
			if err != nil {
				return "", fmt.Errorf("encode news: %w", err)
			}
			return string(data), nil
		},
	})
}
