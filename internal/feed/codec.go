package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DecodeEnvelope parses and validates a JSON change envelope.
func DecodeEnvelope(data []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %w", shared.ErrMalformedEvent, err)
	}
	if err := ValidateEnvelope(env); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

// DecodeFrame parses and validates a JSON stream frame, including its payload.
func DecodeFrame(data []byte) (models.Frame, error) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return models.Frame{}, fmt.Errorf("%w: %w", shared.ErrMalformedEvent, err)
	}
	if err := validate.Struct(f); err != nil {
		return models.Frame{}, fmt.Errorf("%w: %s", shared.ErrMalformedEvent, describe(err))
	}
	return f, nil
}

// ValidateEnvelope checks the required envelope fields and that the changed row has an id.
func ValidateEnvelope(env models.Envelope) error {
	if err := validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %s", shared.ErrMalformedEvent, describe(err))
	}
	if env.RecordID() == "" {
		return fmt.Errorf("%w: %s on %s without id", shared.ErrMalformedEvent, env.Type, env.Table)
	}
	return nil
}

// ToEvent converts a validated envelope into a change event.
func ToEvent(env models.Envelope) (reconcile.ChangeEvent[models.Row], error) {
	if err := ValidateEnvelope(env); err != nil {
		return reconcile.ChangeEvent[models.Row]{}, err
	}

	var old *models.Row
	if env.OldRecord != nil {
		old = &env.OldRecord
	}

	switch env.Type {
	case models.ChangeInsert:
		return reconcile.Inserted(env.Record, env.Seq), nil
	case models.ChangeUpdate:
		return reconcile.Updated(env.Record, old, env.Seq), nil
	default:
		return reconcile.Deleted(env.RecordID(), old, env.Seq), nil
	}
}

// ToMessage converts a frame of a stream for table into a changefeed message.
func ToMessage(table string, f models.Frame) (reconcile.Message[models.Row], error) {
	switch f.Event {
	case models.FrameSubscribed:
		return reconcile.Message[models.Row]{Status: reconcile.StatusSubscribed}, nil
	case models.FrameError:
		msg := f.Error
		if msg == "" {
			msg = "stream error"
		}
		return reconcile.Message[models.Row]{Status: reconcile.StatusFailed, Err: errors.New(msg)}, nil
	case models.FrameChange:
		if f.Payload == nil {
			return reconcile.Message[models.Row]{}, fmt.Errorf("%w: change frame without payload", shared.ErrMalformedEvent)
		}
		if f.Payload.Table != table {
			return reconcile.Message[models.Row]{}, fmt.Errorf("%w: change for table %q on stream for %q", shared.ErrMalformedEvent, f.Payload.Table, table)
		}
		ev, err := ToEvent(*f.Payload)
		if err != nil {
			return reconcile.Message[models.Row]{}, err
		}
		return reconcile.Message[models.Row]{Status: reconcile.StatusEvent, Event: ev}, nil
	default:
		return reconcile.Message[models.Row]{}, fmt.Errorf("%w: unknown frame event %q", shared.ErrMalformedEvent, f.Event)
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += ", "
		}
		msg += fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
	return msg
}
