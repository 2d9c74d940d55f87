package flows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/outbound"
)

// MenuName is the registry name of the main menu flow.
const MenuName = "menu_principal"

const (
	StepAwaitingOption = flow.Step("esperando_opcion")
	StepAwaitingDate   = flow.Step("reserva_esperando_fecha")
)

const (
	menuSchemaVersion = 1
	maxMenuAttempts   = 3
)

const (
	menuText = "¡Hola! ¿En qué te podemos ayudar?\n" +
		"1. Reservar un turno\n" +
		"2. Horarios de atención\n" +
		"3. Hablar con una persona"
	askDateText      = "¿Para qué fecha querés el turno? Escribila como DD/MM, por ejemplo 24/10."
	badDateText      = "No entendí la fecha. Escribila como DD/MM, por ejemplo 24/10."
	pastDateText     = "Esa fecha ya pasó. Elegí una fecha a partir de mañana."
	hoursText        = "Atendemos de lunes a viernes de 8 a 20 y sábados de 9 a 13."
	humanText        = "Te comunicamos con una persona del equipo. En breve te escriben."
	badOptionText    = "Elegí una opción del 1 al 3."
	tooManyTriesText = "No pudimos entender tu respuesta. Escribí \"hola\" cuando quieras volver a empezar."
)

var greetings = map[string]bool{
	"hola":   true,
	"menu":   true,
	"menú":   true,
	"buenas": true,
}

// menuData is the menu's working data. Bump menuSchemaVersion when the
// layout changes; conversations carrying another version restart the menu.
type menuData struct {
	SchemaVersion int    `json:"schema_version"`
	Attempts      int    `json:"attempts"`
	Option        string `json:"option,omitempty"`
	Date          string `json:"date,omitempty"`
}

// Menu is the greeting menu. It offers booking, opening hours, and a
// hand-off to a person.
type Menu struct {
	sender outbound.Sender
	now    func() time.Time
}

// NewMenu creates the menu flow.
func NewMenu(opts Opts) (*Menu, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Menu{sender: opts.Sender, now: opts.clock()}, nil
}

func (m *Menu) Name() string            { return MenuName }
func (m *Menu) Priority() flow.Priority { return flow.PriorityNormal }

// ShouldActivate matches greeting keywords at the start of the message.
func (m *Menu) ShouldActivate(_ context.Context, fc flow.Context) bool {
	return greetings[firstWord(fc.Text)]
}

// Start shows the menu.
func (m *Menu) Start(ctx context.Context, fc flow.Context) flow.Result {
	return m.showMenu(ctx, fc, menuData{SchemaVersion: menuSchemaVersion})
}

// OnInput advances the menu.
func (m *Menu) OnInput(ctx context.Context, fc flow.Context, step flow.Step, data flow.Data) flow.Result {
	if err := flow.CheckVersion(data, menuSchemaVersion); err != nil {
		return m.showMenu(ctx, fc, menuData{SchemaVersion: menuSchemaVersion})
	}
	var d menuData
	if err := flow.DecodeData(data, &d); err != nil {
		return flow.Fail(err)
	}
	d.SchemaVersion = menuSchemaVersion

	switch step {
	case StepAwaitingOption:
		return m.chooseOption(ctx, fc, d)
	case StepAwaitingDate:
		return m.takeDate(ctx, fc, d)
	}
	return flow.Fail(fmt.Errorf("menu: unknown step %q", step))
}

func (m *Menu) showMenu(ctx context.Context, fc flow.Context, d menuData) flow.Result {
	return m.say(ctx, fc, menuText, StepAwaitingOption, d)
}

func (m *Menu) chooseOption(ctx context.Context, fc flow.Context, d menuData) flow.Result {
	switch firstWord(fc.Text) {
	case "1", "reservar", "turno":
		d.Option, d.Attempts = "reservar", 0
		return m.say(ctx, fc, askDateText, StepAwaitingDate, d)
	case "2", "horarios":
		return m.finish(ctx, fc, hoursText)
	case "3", "persona", "operador":
		return m.finish(ctx, fc, humanText)
	}
	return m.retry(ctx, fc, d, badOptionText)
}

func (m *Menu) takeDate(ctx context.Context, fc flow.Context, d menuData) flow.Result {
	day, err := parseDay(strings.TrimSpace(fc.Text), m.now())
	if err != nil {
		return m.retry(ctx, fc, d, badDateText)
	}
	today := truncateDay(m.now())
	if !day.After(today) {
		return m.retry(ctx, fc, d, pastDateText)
	}
	d.Date = day.Format("2006-01-02")
	if err := reply(ctx, m.sender, fc, fmt.Sprintf("Listo, anotamos tu pedido de turno para el %s. Te confirmamos por este medio.", day.Format("02/01"))); err != nil {
		return flow.Fail(err)
	}
	patch, err := flow.EncodeData(d)
	if err != nil {
		return flow.Fail(err)
	}
	res := flow.Done()
	res.DataPatch = patch
	return res
}

// retry re-prompts on the same step until the attempts run out.
func (m *Menu) retry(ctx context.Context, fc flow.Context, d menuData, text string) flow.Result {
	d.Attempts++
	if d.Attempts >= maxMenuAttempts {
		return m.finish(ctx, fc, tooManyTriesText)
	}
	return m.say(ctx, fc, text, flow.None, d)
}

// say sends text and moves to next with d as the data patch. A None step
// stays where the flow is.
func (m *Menu) say(ctx context.Context, fc flow.Context, text string, next flow.Step, d menuData) flow.Result {
	if err := reply(ctx, m.sender, fc, text); err != nil {
		return flow.Fail(err)
	}
	patch, err := flow.EncodeData(d)
	if err != nil {
		return flow.Fail(err)
	}
	return flow.Next(next, patch)
}

func (m *Menu) finish(ctx context.Context, fc flow.Context, text string) flow.Result {
	if err := reply(ctx, m.sender, fc, text); err != nil {
		return flow.Fail(err)
	}
	return flow.Done()
}

// parseDay accepts DD/MM, DD/MM/YYYY and YYYY-MM-DD. A date without a year
// that already passed this year rolls over to the next one.
func parseDay(s string, now time.Time) (time.Time, error) {
	loc := now.Location()
	for _, layout := range []string{"02/01/2006", "2/1/2006", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"02/01", "2/1"} {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		day := time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if !day.After(truncateDay(now)) {
			day = day.AddDate(1, 0, 0)
		}
		return day, nil
	}
	return time.Time{}, fmt.Errorf("menu: unrecognized date %q", s)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
