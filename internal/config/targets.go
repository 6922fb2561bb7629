package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Targets is the optional YAML file naming what to watch:
//
//	event_id: "1234567890"
//	checkout_url: https://www.eventbrite.com/e/1234567890
//	occurrences: ["1234567891", "1234567892"]
//	ticket_class_names: ["General Admission"]
type Targets struct {
	EventID          string   `yaml:"event_id"`
	CheckoutURL      string   `yaml:"checkout_url"`
	Occurrences      []string `yaml:"occurrences"`
	TicketClassIDs   []string `yaml:"ticket_class_ids"`
	TicketClassNames []string `yaml:"ticket_class_names"`
}

func LoadTargets(path string) (*Targets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}

	var t Targets
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	if len(t.TicketClassIDs) > 0 && len(t.TicketClassNames) > 0 {
		return nil, fmt.Errorf("parse targets: set ticket_class_ids or ticket_class_names, not both")
	}
	return &t, nil
}

// Apply copies the file's event and checkout settings onto c.
func (t *Targets) Apply(c *Config) {
	if t == nil {
		return
	}
	if t.EventID != "" && t.EventID != c.EventID {
		if c.CheckoutURL == defaultCheckoutURL(c.EventID) {
			c.CheckoutURL = defaultCheckoutURL(t.EventID)
		}
		c.EventID = t.EventID
	}
	if t.CheckoutURL != "" {
		c.CheckoutURL = t.CheckoutURL
	}
}
