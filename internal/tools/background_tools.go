package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MinBackgroundInterval is the shortest accepted repeat interval.
const MinBackgroundInterval = time.Second

// BackgroundController starts and stops a session's recurring action.
type BackgroundController interface {
	Start(ctx context.Context, sessionKey, directive string, interval time.Duration) (string, error)
	Stop(ctx context.Context, sessionKey string) (string, error)
}

// RegisterBackgroundTools adds start_background_action and
// stop_background_action.
func RegisterBackgroundTools(r *Registry, bg BackgroundController) {
	r.Register(&Tool{
		Name:        "start_background_action",
		Description: "Call to start a loop that executes an action every X seconds. Or stop the current loop and start a new one.",
		Parameters: Object(map[string]any{
			"whatToDo":          String("The action that you want to execute every X second."),
			"intervalInSeconds": Number("The number of seconds that needs to pass before the action is executed again."),
		}, "whatToDo", "intervalInSeconds"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			directive, _ := args["whatToDo"].(string)
			seconds, _ := toFloat(args["intervalInSeconds"])

			if strings.TrimSpace(directive) == "" {
				return "", fmt.Errorf("whatToDo must not be empty")
			}
			interval := time.Duration(seconds * float64(time.Second))
			if interval < MinBackgroundInterval {
				return "", fmt.Errorf("intervalInSeconds must be at least %g", MinBackgroundInterval.Seconds())
			}
			return bg.Start(ctx, SessionKeyFromContext(ctx), directive, interval)
		},
	})

	r.Register(&Tool{
		Name:        "stop_background_action",
		Description: "Stop the currently running background action loop",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			return bg.Stop(ctx, SessionKeyFromContext(ctx))
		},
	})
}
