package command

import (
	"fmt"
	"sync"

	"github.com/Coflnet/cloud-sub001/errors"
)

// Table is one slug-keyed command registry. Tables can be shared between
// controllers: a server's default table typically appears as the last table
// of every entity controller, providing the backfall chain.
type Table struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewTable creates an empty command table.
func NewTable() *Table {
	return &Table{commands: make(map[string]Command)}
}

// Register adds a command. Registering a slug twice is an error; use
// Overwrite to patch behavior deliberately.
func (t *Table) Register(cmd Command) error {
	if cmd == nil || cmd.Slug() == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Table", "Register", "command validation")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.commands[cmd.Slug()]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("command %q is already registered", cmd.Slug()),
			"Table", "Register", "duplicate slug check")
	}
	t.commands[cmd.Slug()] = cmd
	return nil
}

// Overwrite adds or replaces a command. Used by tests and dev harnesses to
// patch behavior without touching production tables.
func (t *Table) Overwrite(cmd Command) error {
	if cmd == nil || cmd.Slug() == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Table", "Overwrite", "command validation")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands[cmd.Slug()] = cmd
	return nil
}

// Lookup returns the command for the slug.
func (t *Table) Lookup(slug string) (Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd, ok := t.commands[slug]
	return cmd, ok
}

// Slugs returns the registered slugs.
func (t *Table) Slugs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.commands))
	for slug := range t.commands {
		out = append(out, slug)
	}
	return out
}

// Controller resolves slugs through an ordered list of tables. The first
// table is the controller's own; later tables are the backfall chain,
// consulted on a miss in order. This keeps multi-version and
// forward-compatible setups explicit instead of hiding them behind
// delegation pointers.
type Controller struct {
	tables []*Table
}

// NewController creates a controller with a fresh primary table followed by
// the given backfall tables.
func NewController(backfalls ...*Table) *Controller {
	tables := make([]*Table, 0, len(backfalls)+1)
	tables = append(tables, NewTable())
	tables = append(tables, backfalls...)
	return &Controller{tables: tables}
}

// Primary returns the controller's own table.
func (c *Controller) Primary() *Table {
	return c.tables[0]
}

// Register adds a command to the primary table.
func (c *Controller) Register(cmd Command) error {
	return c.Primary().Register(cmd)
}

// Overwrite adds or replaces a command in the primary table.
func (c *Controller) Overwrite(cmd Command) error {
	return c.Primary().Overwrite(cmd)
}

// Resolve returns the command for the slug, trying each table in order.
// Returns ErrCommandUnknown when the chain is exhausted.
func (c *Controller) Resolve(slug string) (Command, error) {
	for _, table := range c.tables {
		if cmd, ok := table.Lookup(slug); ok {
			return cmd, nil
		}
	}
	return nil, errors.Wrap(
		fmt.Errorf("%w: %q", errors.ErrCommandUnknown, slug),
		"Controller", "Resolve", "slug lookup")
}

// Registrar is implemented by extension modules that contribute commands to
// a table during node construction.
type Registrar interface {
	RegisterCommands(table *Table) error
}
