package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/postpulse/internal/post"
)

// Scenario is one end-to-end live-update test.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// EmitDeletes turns on deleted events for records that vanish between
	// scans.
	EmitDeletes bool `yaml:"emit_deletes,omitempty"`

	Users       []User       `yaml:"users"`
	Subscribers []Subscriber `yaml:"subscribers,omitempty"`
	Steps       []Step       `yaml:"steps"`
	Assertions  []Assertion  `yaml:"assertions"`
}

// User is created before the first step.
type User struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name,omitempty"`
}

// Subscriber is a dashboard connection opened before the first step.
type Subscriber struct {
	Name string `yaml:"name"`
	// User is the email of the connecting user.
	User string `yaml:"user"`
}

// Step is one action in the scenario timeline.
type Step struct {
	Action string `yaml:"action"`

	// User is the acting user's email (create, update, delete, set_status,
	// notify).
	User string `yaml:"user,omitempty"`

	// Post is the target post id.
	Post int64 `yaml:"post,omitempty"`

	// Fields is the post content for create and update.
	Fields *post.Post `yaml:"fields,omitempty"`

	// Set maps column names to new values for raw_update.
	Set map[string]string `yaml:"set,omitempty"`

	// Touch bumps updated_at on raw_update. Without it only the
	// fingerprint can reveal the change.
	Touch bool `yaml:"touch,omitempty"`

	// Status is the new status for set_status.
	Status string `yaml:"status,omitempty"`

	// Duration is the clock advance for advance.
	Duration time.Duration `yaml:"duration,omitempty"`

	// Subscriber and Channel drive subscribe, unsubscribe, and disconnect.
	Subscriber string `yaml:"subscriber,omitempty"`
	Channel    string `yaml:"channel,omitempty"`

	// Message is the notification text for notify.
	Message string `yaml:"message,omitempty"`

	// ExpectError names the error the step must fail with:
	// unauthorized, unknown_connection, invalid_channel, or not_found.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionSetStatus   = "set_status"
	ActionRawUpdate   = "raw_update"
	ActionRawDelete   = "raw_delete"
	ActionScan        = "scan"
	ActionAdvance     = "advance"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionDisconnect  = "disconnect"
	ActionNotify      = "notify"
)

// Assertion validates delivered frames or final state.
type Assertion struct {
	// Type is one of delivered, event_order, tracked, final_state.
	Type string `yaml:"type"`

	// Subscriber and Event are used by delivered.
	Subscriber string `yaml:"subscriber,omitempty"`
	Event      string `yaml:"event,omitempty"`

	// Events is the expected order for event_order.
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number for delivered and tracked.
	Count int `yaml:"count"`

	// Table, Where, and Expect are used by final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertDelivered  = "delivered"
	AssertEventOrder = "event_order"
	AssertTracked    = "tracked"
	AssertFinalState = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown keys are
// rejected so typos do not silently skip a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	users := make(map[string]bool, len(s.Users))
	for i, u := range s.Users {
		if u.Email == "" {
			return fmt.Errorf("users[%d]: email is required", i)
		}
		if users[u.Email] {
			return fmt.Errorf("users[%d]: duplicate email %q", i, u.Email)
		}
		users[u.Email] = true
	}

	subs := make(map[string]bool, len(s.Subscribers))
	for i, sub := range s.Subscribers {
		if sub.Name == "" {
			return fmt.Errorf("subscribers[%d]: name is required", i)
		}
		if subs[sub.Name] {
			return fmt.Errorf("subscribers[%d]: duplicate name %q", i, sub.Name)
		}
		if !users[sub.User] {
			return fmt.Errorf("subscribers[%d]: unknown user %q", i, sub.User)
		}
		subs[sub.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(step, users, subs); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, subs); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, users, subs map[string]bool) error {
	needUser := func() error {
		if !users[step.User] {
			return fmt.Errorf("%s: unknown user %q", step.Action, step.User)
		}
		return nil
	}
	needPost := func() error {
		if step.Post <= 0 {
			return fmt.Errorf("%s: post is required", step.Action)
		}
		return nil
	}
	needSubscriber := func() error {
		if !subs[step.Subscriber] {
			return fmt.Errorf("%s: unknown subscriber %q", step.Action, step.Subscriber)
		}
		return nil
	}

	switch step.Action {
	case ActionCreate:
		if step.Fields == nil {
			return fmt.Errorf("create: fields is required")
		}
		return needUser()
	case ActionUpdate:
		if step.Fields == nil {
			return fmt.Errorf("update: fields is required")
		}
		if err := needPost(); err != nil {
			return err
		}
		return needUser()
	case ActionDelete:
		if err := needPost(); err != nil {
			return err
		}
		return needUser()
	case ActionSetStatus:
		if step.Status == "" {
			return fmt.Errorf("set_status: status is required")
		}
		if err := needPost(); err != nil {
			return err
		}
		return needUser()
	case ActionRawUpdate:
		if len(step.Set) == 0 && !step.Touch {
			return fmt.Errorf("raw_update: set or touch is required")
		}
		for col := range step.Set {
			if !rawColumns[col] {
				return fmt.Errorf("raw_update: column %q cannot be set", col)
			}
		}
		return needPost()
	case ActionRawDelete:
		return needPost()
	case ActionScan:
		return nil
	case ActionAdvance:
		if step.Duration <= 0 {
			return fmt.Errorf("advance: duration must be positive")
		}
		return nil
	case ActionSubscribe, ActionUnsubscribe:
		if step.Channel == "" {
			return fmt.Errorf("%s: channel is required", step.Action)
		}
		return needSubscriber()
	case ActionDisconnect:
		return needSubscriber()
	case ActionNotify:
		if step.Message == "" {
			return fmt.Errorf("notify: message is required")
		}
		return needUser()
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func validateAssertion(a Assertion, subs map[string]bool) error {
	switch a.Type {
	case AssertDelivered:
		if !subs[a.Subscriber] {
			return fmt.Errorf("delivered: unknown subscriber %q", a.Subscriber)
		}
		if a.Event == "" {
			return fmt.Errorf("delivered: event is required")
		}
		if a.Count < 0 {
			return fmt.Errorf("delivered: count must be non-negative")
		}
	case AssertEventOrder:
		if !subs[a.Subscriber] {
			return fmt.Errorf("event_order: unknown subscriber %q", a.Subscriber)
		}
		if len(a.Events) == 0 {
			return fmt.Errorf("event_order: events list is required")
		}
	case AssertTracked:
		if a.Count < 0 {
			return fmt.Errorf("tracked: count must be non-negative")
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("final_state: table is required")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("final_state: expect is required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
