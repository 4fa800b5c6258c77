// Package ivr runs digit-driven menus. A menu prompts, the platform collects
// digits and posts them back, and the machine either routes to the matching
// option's destination, re-prompts, or fails over once the caller has used
// up the menu's turns.
package ivr

import (
	"log/slog"
	"strings"

	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
)

const (
	defaultMaxTurns = 3
	defaultTimeout  = 5
)

// Kind is the shape of a Decision.
type Kind int

const (
	// Prompt asks for digits (again).
	Prompt Kind = iota
	// Route sends the call to the matched option's destination.
	Route
	// FailOver sends the call to the menu's failover destination.
	FailOver
)

// Decision is what the platform should do after a menu step.
type Decision struct {
	Kind Kind

	// Prompt fields.
	Text      string
	NumDigits int
	Timeout   int
	// Turn is the number of misses so far. Turn and Visit key the next
	// input callback.
	Turn  int
	Visit int
	// Invalid is set when re-prompting after a miss.
	Invalid bool

	Target routing.Target
}

// Machine evaluates menu input.
type Machine struct {
	logger *slog.Logger
}

// NewMachine creates a Machine.
func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{logger: logger.With("subsystem", "ivr")}
}

// Enter starts the menu for a call with the turn counter at zero.
func (m *Machine) Enter(menu *models.IvrMenu, st *callstate.State) Decision {
	st.EnterIvrMenu(menu.ID)
	m.logger.Info("ivr menu entered",
		"call_id", st.CallID,
		"organization_id", menu.OrganizationID,
		"ivr_menu_id", menu.ID,
		"options", len(menu.Options),
	)
	return prompt(menu, st, false)
}

// Input handles collected digits. An empty string is a timeout. The call
// must already be in menu; a state that is elsewhere enters it afresh.
func (m *Machine) Input(menu *models.IvrMenu, st *callstate.State, digits string) Decision {
	if st.IvrMenuID != menu.ID {
		st.EnterIvrMenu(menu.ID)
	}
	digits = strings.TrimSpace(digits)

	if digits != "" {
		if opt, ok := Match(menu, digits); ok {
			t, err := routing.TargetFromDestination(opt.DestinationType, opt.DestinationID)
			if err == nil {
				m.logger.Info("ivr option selected",
					"call_id", st.CallID,
					"ivr_menu_id", menu.ID,
					"digits", digits,
					"target", t.String(),
				)
				return Decision{Kind: Route, Target: t}
			}
			m.logger.Warn("ivr option has an invalid destination",
				"call_id", st.CallID,
				"ivr_menu_id", menu.ID,
				"digits", digits,
				"error", err,
			)
			return m.failOver(menu, st)
		}
	}

	st.IvrTurns++
	m.logger.Debug("ivr input missed",
		"call_id", st.CallID,
		"ivr_menu_id", menu.ID,
		"digits", digits,
		"turn", st.IvrTurns,
		"max_turns", maxTurns(menu),
	)
	if st.IvrTurns >= maxTurns(menu) {
		return m.failOver(menu, st)
	}
	return prompt(menu, st, true)
}

// Match finds the option whose input digits equal digits exactly.
func Match(menu *models.IvrMenu, digits string) (models.IvrMenuOption, bool) {
	for _, opt := range menu.Options {
		if opt.InputDigits == digits {
			return opt, true
		}
	}
	return models.IvrMenuOption{}, false
}

func (m *Machine) failOver(menu *models.IvrMenu, st *callstate.State) Decision {
	t := routing.Hangup
	if menu.FailoverDestination != "" {
		parsed, err := routing.ParseTarget(menu.FailoverDestination)
		if err != nil {
			m.logger.Warn("ivr failover destination invalid, hanging up",
				"call_id", st.CallID,
				"ivr_menu_id", menu.ID,
				"failover", menu.FailoverDestination,
				"error", err,
			)
		} else {
			t = parsed
		}
	}
	m.logger.Info("ivr menu failed over",
		"call_id", st.CallID,
		"ivr_menu_id", menu.ID,
		"turns", st.IvrTurns,
		"target", t.String(),
	)
	return Decision{Kind: FailOver, Target: t}
}

func prompt(menu *models.IvrMenu, st *callstate.State, invalid bool) Decision {
	timeout := menu.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return Decision{
		Kind:      Prompt,
		Text:      menu.Prompt,
		NumDigits: numDigits(menu),
		Timeout:   timeout,
		Turn:      st.IvrTurns,
		Visit:     st.Visit,
		Invalid:   invalid,
	}
}

func maxTurns(menu *models.IvrMenu) int {
	if menu.MaxTurns <= 0 {
		return defaultMaxTurns
	}
	return menu.MaxTurns
}

// numDigits is the longest configured input, so multi-digit options are
// collected whole.
func numDigits(menu *models.IvrMenu) int {
	n := 1
	for _, opt := range menu.Options {
		if len(opt.InputDigits) > n {
			n = len(opt.InputDigits)
		}
	}
	return n
}
