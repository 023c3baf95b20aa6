// Package store hands finalized caption events to the record-keeping
// collaborator. The relay itself never keeps captions.
package store

import (
	"context"

	"github.com/arohealth/teleconsult/internal/domain"
)

type CaptionStore interface {
	SaveCaption(ctx context.Context, ev domain.CaptionEvent) error
	Close()
}
