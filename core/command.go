package core

import (
	"strconv"
	"sync"

	"phasegen/errcode"
)

// CommandHandler handles one command. It decodes its own arguments from
// data and returns the value reported back in the result response.
type CommandHandler func(data *[]byte) (uint32, error)

// Command is one entry of the command table.
type Command struct {
	ID      uint16
	Name    string
	Format  string
	Handler CommandHandler
}

// CommandRegistry maps fixed command IDs to handlers.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[uint16]*Command
	nameToID map[string]uint16
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[uint16]*Command),
		nameToID: make(map[string]uint16),
	}
}

// Register adds a handler under a fixed ID.
func (r *CommandRegistry) Register(id uint16, name, format string, handler CommandHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.commands[id]; exists {
		return errcode.New(errcode.InvalidParams, "register", "id "+strconv.Itoa(int(id))+" already used by "+prev.Name)
	}
	r.commands[id] = &Command{ID: id, Name: name, Format: format, Handler: handler}
	r.nameToID[name] = id
	return nil
}

func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Lookup finds a command by name.
func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	if !ok {
		return nil, false
	}
	return r.commands[id], true
}

func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch calls the handler registered for cmdID.
func (r *CommandRegistry) Dispatch(cmdID uint16, data *[]byte) (uint32, error) {
	cmd, ok := r.GetCommand(cmdID)
	if !ok || cmd.Handler == nil {
		return 0, errcode.New(errcode.UnknownCommand, "dispatch", "id "+strconv.Itoa(int(cmdID)))
	}
	return cmd.Handler(data)
}
