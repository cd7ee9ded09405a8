package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	commands "energy-monitoring/internal/commands/domain"
)

// DeviceAddress is the joined device data returned with fetched commands.
type DeviceAddress struct {
	Address string
	UnitID  int
}

// CommandRepository is an in-memory command queue.
type CommandRepository struct {
	mu       sync.Mutex
	nextID   int64
	commands map[int64]*commands.Command
	devices  map[int64]DeviceAddress
}

var _ commands.Repository = (*CommandRepository)(nil)

// NewCommandRepository constructs an in-memory repository.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{
		commands: make(map[int64]*commands.Command),
		devices:  make(map[int64]DeviceAddress),
	}
}

// SetDevice registers the address joined onto commands for deviceID.
func (r *CommandRepository) SetDevice(deviceID int64, addr DeviceAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[deviceID] = addr
}

// FetchPending returns PENDING commands ordered by request time.
func (r *CommandRepository) FetchPending(_ context.Context, limit int) ([]commands.Command, error) {
	if limit <= 0 {
		return nil, errors.New("memory command repo: invalid limit")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []commands.Command
	for _, cmd := range r.commands {
		if cmd.Result != commands.ResultPending {
			continue
		}
		item := *cmd
		if addr, ok := r.devices[cmd.DeviceID]; ok {
			item.DeviceAddress = addr.Address
			item.DeviceUnitID = addr.UnitID
		}
		pending = append(pending, item)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].RequestedAt.Equal(pending[j].RequestedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// WriteResult stores the terminal result of a PENDING command.
func (r *CommandRepository) WriteResult(_ context.Context, id int64, result string, errMsg string, retryCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok || cmd.Result != commands.ResultPending {
		return commands.ErrResultAlreadyWritten
	}
	cmd.Result = result
	cmd.ErrorMessage = errMsg
	cmd.RetryCount = retryCount
	cmd.ExecutedAt = time.Now().UTC()
	return nil
}

// FindRecentPending reports whether an identical PENDING command exists since.
func (r *CommandRepository) FindRecentPending(_ context.Context, deviceID int64, coil int, verb string, since time.Time) (bool, error) {
	verb = commands.NormalizeVerb(verb)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.commands {
		if cmd.Result != commands.ResultPending {
			continue
		}
		if cmd.DeviceID == deviceID && cmd.CoilAddress == coil && cmd.Verb == verb && !cmd.RequestedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// Insert enqueues a PENDING command.
func (r *CommandRepository) Insert(_ context.Context, req commands.NewCommand) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = commands.DefaultMaxRetries
	}
	r.commands[r.nextID] = &commands.Command{
		ID:          r.nextID,
		DeviceID:    req.DeviceID,
		CoilAddress: req.CoilAddress,
		Verb:        commands.NormalizeVerb(req.Verb),
		RequestedBy: req.RequestedBy,
		MaxRetries:  maxRetries,
		Notes:       req.Notes,
		Source:      req.Source,
		Reason:      req.Reason,
		Result:      commands.ResultPending,
		RequestedAt: requestedAt.UTC(),
	}
	return r.nextID, nil
}

// Get returns a copy of a stored command.
func (r *CommandRepository) Get(id int64) (commands.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok {
		return commands.Command{}, false
	}
	return *cmd, true
}

// Len returns the number of stored commands.
func (r *CommandRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}
