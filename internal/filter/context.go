package filter

import (
	"context"

	"github.com/wudi/scgate/internal/pathmatcher"
	"github.com/wudi/scgate/internal/servicecontrol"
)

type operationKey struct{}

// OperationContext is what the filter learned about a matched request.
type OperationContext struct {
	Operation   *servicecontrol.Operation
	OperationID string
	Bindings    []pathmatcher.VariableBinding
}

// Binding returns the captured value for fieldPath.
func (oc *OperationContext) Binding(fieldPath string) (string, bool) {
	for _, b := range oc.Bindings {
		if b.FieldPath == fieldPath {
			return b.Value, true
		}
	}
	return "", false
}

func withOperation(ctx context.Context, oc *OperationContext) context.Context {
	return context.WithValue(ctx, operationKey{}, oc)
}

// FromContext returns the operation matched for the request owning ctx.
func FromContext(ctx context.Context) (*OperationContext, bool) {
	oc, ok := ctx.Value(operationKey{}).(*OperationContext)
	return oc, ok
}
