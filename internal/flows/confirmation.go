package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/outbound"
)

// ConfirmationName is the registry name of the appointment confirmation
// flow.
const ConfirmationName = "confirmacion_turnos"

// StepAwaitingConfirmation waits for the user to confirm or cancel.
const StepAwaitingConfirmation = flow.Step("esperando_confirmacion")

// Reply tokens sent by the confirm and cancel buttons, followed by the
// appointment id.
const (
	ConfirmToken = "turno_confirmar:"
	CancelToken  = "turno_cancelar:"
)

// Initial data keys for programmatic starts.
const (
	KeyAppointmentID = "appointment_id"
	KeyWhen          = "when"
)

const (
	confirmedText = "¡Gracias! Tu turno quedó confirmado."
	cancelledText = "Listo, cancelamos tu turno. Escribí \"hola\" si querés reservar otro."
	askAgainText  = "Respondé con los botones para confirmar o cancelar tu turno."
	failureText   = "No pudimos registrar tu respuesta. Un operador se va a comunicar con vos."
)

// Appointments is the scheduling system behind the clinic's agenda.
type Appointments interface {
	Confirm(ctx context.Context, tenantID, appointmentID string) error
	Cancel(ctx context.Context, tenantID, appointmentID string) error
}

type confirmationData struct {
	AppointmentID string `json:"appointment_id"`
	When          string `json:"when,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
}

// Confirmation asks the user to confirm an upcoming appointment. Reminder
// jobs start it programmatically with KeyAppointmentID and KeyWhen; it also
// picks up button replies that arrive while the conversation is idle.
type Confirmation struct {
	sender       outbound.Sender
	appointments Appointments
}

// NewConfirmation creates the confirmation flow.
func NewConfirmation(opts Opts) (*Confirmation, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Confirmation{sender: opts.Sender, appointments: opts.Appointments}, nil
}

func (c *Confirmation) Name() string            { return ConfirmationName }
func (c *Confirmation) Priority() flow.Priority { return flow.PriorityUrgent }

// ShouldActivate matches confirm and cancel reply tokens only.
func (c *Confirmation) ShouldActivate(_ context.Context, fc flow.Context) bool {
	_, _, ok := parseToken(token(fc))
	return ok
}

// Start sends the reminder question, or settles the answer right away when
// the flow was selected by a button reply.
func (c *Confirmation) Start(ctx context.Context, fc flow.Context) flow.Result {
	if confirm, id, ok := parseToken(token(fc)); ok {
		return c.settle(ctx, fc, confirmationData{AppointmentID: id}, confirm)
	}

	var d confirmationData
	if err := flow.DecodeData(fc.Data, &d); err != nil {
		return flow.Fail(err)
	}
	if d.AppointmentID == "" {
		return flow.Fail(errors.New("confirmation: appointment_id is required"))
	}
	text := "Te recordamos tu turno"
	if d.When != "" {
		text += " del " + d.When
	}
	text += ". ¿Confirmás tu asistencia?"
	if err := reply(ctx, c.sender, fc, text); err != nil {
		return flow.Fail(err)
	}
	patch, err := flow.EncodeData(d)
	if err != nil {
		return flow.Fail(err)
	}
	return flow.Next(StepAwaitingConfirmation, patch)
}

// OnInput settles the answer. Free text gets the question again.
func (c *Confirmation) OnInput(ctx context.Context, fc flow.Context, step flow.Step, data flow.Data) flow.Result {
	if step != StepAwaitingConfirmation {
		return flow.Fail(fmt.Errorf("confirmation: unknown step %q", step))
	}
	var d confirmationData
	if err := flow.DecodeData(data, &d); err != nil {
		return flow.Fail(err)
	}

	confirm, id, ok := parseToken(token(fc))
	if !ok {
		confirm, ok = parseWord(fc.Text)
		id = d.AppointmentID
	}
	if !ok || id != d.AppointmentID {
		if err := reply(ctx, c.sender, fc, askAgainText); err != nil {
			return flow.Fail(err)
		}
		return flow.Stay(nil)
	}
	return c.settle(ctx, fc, d, confirm)
}

func (c *Confirmation) settle(ctx context.Context, fc flow.Context, d confirmationData, confirm bool) flow.Result {
	var err error
	if c.appointments != nil {
		if confirm {
			err = c.appointments.Confirm(ctx, fc.TenantID, d.AppointmentID)
		} else {
			err = c.appointments.Cancel(ctx, fc.TenantID, d.AppointmentID)
		}
	}
	if err != nil {
		// The notice is best effort.
		_ = reply(ctx, c.sender, fc, failureText)
		return flow.Fail(fmt.Errorf("confirmation: appointment %s: %w", d.AppointmentID, err))
	}

	text, outcome := cancelledText, "cancelled"
	if confirm {
		text, outcome = confirmedText, "confirmed"
	}
	if err := reply(ctx, c.sender, fc, text); err != nil {
		return flow.Fail(err)
	}
	d.Outcome = outcome
	patch, err := flow.EncodeData(d)
	if err != nil {
		return flow.Fail(err)
	}
	res := flow.Done()
	res.DataPatch = patch
	return res
}

// token prefers the interactive reply and falls back to the raw text, which
// some channels use to deliver button payloads.
func token(fc flow.Context) string {
	if fc.InteractiveReply != "" {
		return fc.InteractiveReply
	}
	return strings.TrimSpace(fc.Text)
}

// parseToken splits a reply token into its action and appointment id.
func parseToken(s string) (confirm bool, id string, ok bool) {
	switch {
	case strings.HasPrefix(s, ConfirmToken):
		id = strings.TrimPrefix(s, ConfirmToken)
		confirm = true
	case strings.HasPrefix(s, CancelToken):
		id = strings.TrimPrefix(s, CancelToken)
	default:
		return false, "", false
	}
	if id == "" {
		return false, "", false
	}
	return confirm, id, true
}

// parseWord accepts typed answers while a question is open.
func parseWord(text string) (confirm bool, ok bool) {
	switch firstWord(text) {
	case "si", "sí", "confirmo", "confirmar":
		return true, true
	case "no", "cancelo", "cancelar":
		return false, true
	}
	return false, false
}
