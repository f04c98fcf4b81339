package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end run.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Start is the fake clock's initial time. Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Offline starts with the backend unreachable.
	Offline bool `yaml:"offline,omitempty"`

	Setup Setup  `yaml:"setup,omitempty"`
	Flow  []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// Setup seeds the catalog before the flow runs.
type Setup struct {
	Products []ProductSeed `yaml:"products,omitempty"`
}

// ProductSeed is one catalog entry. Amounts are decimal strings.
type ProductSeed struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Stock string `yaml:"stock"`
	Cost  string `yaml:"cost"`
	Price string `yaml:"price"`
}

// Step invokes one action.
type Step struct {
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args,omitempty"`
	// Expect validates the completion. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is checked against a step's completion.
type Expect struct {
	Case string `yaml:"case"`
	// Result is a subset match over the completion result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion checks the trace or the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// trace_contains, trace_order, trace_count
	Action  string         `yaml:"action,omitempty"`
	Args    map[string]any `yaml:"args,omitempty"`
	Actions []string       `yaml:"actions,omitempty"`
	Count   *int           `yaml:"count,omitempty"`

	// state assertions
	Product  string `yaml:"product,omitempty"`
	Customer string `yaml:"customer,omitempty"`
	Status   string `yaml:"status,omitempty"`
	Op       string `yaml:"op,omitempty"`
	Kind     string `yaml:"kind,omitempty"`
	Value    string `yaml:"value,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertStock           = "stock"
	AssertBalance         = "balance"
	AssertQueue           = "queue"
	AssertHistory         = "history"
	AssertProtection      = "protection"
	AssertRemoteApplied   = "remote_applied"
	AssertEventCount      = "event_count"
	AssertNetProfit       = "net_profit"
	AssertEncryptedTables = "encrypted"
)

var assertionTypes = map[string]bool{
	AssertTraceContains: true, AssertTraceOrder: true, AssertTraceCount: true,
	AssertStock: true, AssertBalance: true, AssertQueue: true, AssertHistory: true,
	AssertProtection: true, AssertRemoteApplied: true, AssertEventCount: true,
	AssertNetProfit: true, AssertEncryptedTables: true,
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a typo does not silently skip an assertion.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	switch {
	case s.Name == "":
		return fmt.Errorf("name is required")
	case s.Description == "":
		return fmt.Errorf("description is required")
	case len(s.Flow) == 0:
		return fmt.Errorf("flow list is required and must be non-empty")
	case len(s.Assertions) == 0:
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, p := range s.Setup.Products {
		if p.ID == "" {
			return fmt.Errorf("setup.products[%d]: id is required", i)
		}
	}
	for i, step := range s.Flow {
		if _, ok := actions[step.Action]; !ok {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Action)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}
	for i, a := range s.Assertions {
		if !assertionTypes[a.Type] {
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
		if (a.Type == AssertTraceContains || a.Type == AssertTraceCount) && a.Action == "" {
			return fmt.Errorf("assertions[%d]: %s requires action", i, a.Type)
		}
		if a.Type == AssertTraceOrder && len(a.Actions) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order requires at least 2 actions", i)
		}
	}
	return nil
}
