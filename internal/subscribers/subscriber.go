package subscribers

import (
	"context"

	"consultline.local/projects/engine/internal/events"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, events.Event) error
}
