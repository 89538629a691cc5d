package sheets

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"sheetmesh/engine"
	"sheetmesh/result"
	"sheetmesh/users"
)

// State is the sheets of one domain. The log consumer is its only writer;
// request goroutines read it concurrently.
type State struct {
	domain string
	users  users.Directory

	mu     sync.RWMutex
	sheets map[string]*Spreadsheet
	owners map[string]map[string]struct{}
}

func NewState(domain string, dir users.Directory) *State {
	return &State{
		domain: domain,
		users:  dir,
		sheets: make(map[string]*Spreadsheet),
		owners: make(map[string]map[string]struct{}),
	}
}

// Apply runs one mutation and returns what the caller that issued it should
// see. Given the same prior state and the same answers from the users
// directory it always has the same effect.
func (s *State) Apply(ctx context.Context, ev Event) result.Result[string] {
	switch e := ev.(type) {
	case CreateSheet:
		return s.createSheet(ctx, e)
	case DeleteSheet:
		return s.deleteSheet(ctx, e)
	case UpdateCell:
		return s.updateCell(ctx, e)
	case Share:
		return s.share(ctx, e)
	case Unshare:
		return s.unshare(ctx, e)
	case DeleteUserSheets:
		return s.deleteUserSheets(ctx, e)
	}
	return result.Fail[string](result.InternalError, "unexpected event %T", ev)
}

// checkOwner verifies the owner's password. A wrong password is Forbidden;
// any other failure is BadRequest.
func (s *State) checkOwner(ctx context.Context, owner, password string) error {
	_, err := s.users.GetUser(ctx, owner, password)
	switch result.KindOf(err) {
	case result.OK:
		return nil
	case result.Forbidden:
		return result.Errorf(result.Forbidden, "wrong password for %s", owner)
	default:
		return result.Errorf(result.BadRequest, "cannot authenticate %s: %v", owner, err)
	}
}

func (s *State) lookup(sheetID string) *Spreadsheet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sheets[sheetID]
}

func (s *State) createSheet(ctx context.Context, e CreateSheet) result.Result[string] {
	if err := checkShape(&e.Sheet); err != nil {
		return result.Fail[string](result.BadRequest, "%v", err)
	}
	if _, err := s.users.GetUser(ctx, e.Sheet.Owner, e.Password); err != nil {
		return result.Fail[string](result.BadRequest, "cannot authenticate %s: %v", e.Sheet.Owner, err)
	}
	if s.lookup(e.Sheet.SheetID) != nil {
		return result.Fail[string](result.Conflict, "sheet %s already exists", e.Sheet.SheetID)
	}

	sheet := &Spreadsheet{
		SheetID:    e.Sheet.SheetID,
		Owner:      e.Sheet.Owner,
		SheetURL:   SheetURL(s.domain, e.Sheet.SheetID),
		Rows:       e.Sheet.Rows,
		Columns:    e.Sheet.Columns,
		SharedWith: []string{},
		RawValues:  emptyGrid(e.Sheet.Rows, e.Sheet.Columns, e.Sheet.RawValues),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sheets[sheet.SheetID] = sheet
	owned, ok := s.owners[sheet.Owner]
	if !ok {
		owned = make(map[string]struct{})
		s.owners[sheet.Owner] = owned
	}
	owned[sheet.SheetID] = struct{}{}
	return result.Ok(sheet.SheetID)
}

func (s *State) deleteSheet(ctx context.Context, e DeleteSheet) result.Result[string] {
	sheet := s.lookup(e.SheetID)
	if sheet == nil {
		return result.Fail[string](result.NotFound, "sheet %s not found", e.SheetID)
	}
	if err := s.checkOwner(ctx, sheet.Owner, e.Password); err != nil {
		return result.FromError[string](err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(sheet)
	return result.Ok("")
}

// remove is called with mu held.
func (s *State) remove(sheet *Spreadsheet) {
	delete(s.sheets, sheet.SheetID)
	if owned, ok := s.owners[sheet.Owner]; ok {
		delete(owned, sheet.SheetID)
		if len(owned) == 0 {
			delete(s.owners, sheet.Owner)
		}
	}
}

func (s *State) updateCell(ctx context.Context, e UpdateCell) result.Result[string] {
	sheet := s.lookup(e.SheetID)
	if sheet == nil {
		return result.Fail[string](result.NotFound, "sheet %s not found", e.SheetID)
	}
	if err := s.authorize(ctx, sheet, e.UserID, e.Password); err != nil {
		return result.FromError[string](err)
	}
	row, col, err := engine.ParseCell(e.Cell)
	if err != nil || row >= sheet.Rows || col >= sheet.Columns {
		return result.Fail[string](result.BadRequest, "cell %s is outside sheet %s", e.Cell, e.SheetID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sheet.RawValues[row][col] = e.RawValue
	return result.Ok("")
}

func (s *State) share(ctx context.Context, e Share) result.Result[string] {
	sheet := s.lookup(e.SheetID)
	if sheet == nil {
		return result.Fail[string](result.NotFound, "sheet %s not found", e.SheetID)
	}
	if err := s.checkOwner(ctx, sheet.Owner, e.Password); err != nil {
		return result.FromError[string](err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !sheet.share(e.UserID) {
		return result.Fail[string](result.Conflict, "sheet %s is already shared with %s", e.SheetID, e.UserID)
	}
	return result.Ok("")
}

func (s *State) unshare(ctx context.Context, e Unshare) result.Result[string] {
	sheet := s.lookup(e.SheetID)
	if sheet == nil {
		return result.Fail[string](result.NotFound, "sheet %s not found", e.SheetID)
	}
	if err := s.checkOwner(ctx, sheet.Owner, e.Password); err != nil {
		return result.FromError[string](err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !sheet.unshare(e.UserID) {
		return result.Fail[string](result.NotFound, "sheet %s is not shared with %s", e.SheetID, e.UserID)
	}
	return result.Ok("")
}

func (s *State) deleteUserSheets(ctx context.Context, e DeleteUserSheets) result.Result[string] {
	if err := s.checkOwner(ctx, e.UserID, e.Password); err != nil {
		return result.FromError[string](err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sheetID := range s.owners[e.UserID] {
		delete(s.sheets, sheetID)
	}
	delete(s.owners, e.UserID)
	return result.Ok("")
}

// authorize lets the owner and the local users the sheet is shared with
// through, after checking their password.
func (s *State) authorize(ctx context.Context, sheet *Spreadsheet, userID, password string) error {
	_, err := s.users.GetUser(ctx, userID, password)
	switch result.KindOf(err) {
	case result.OK:
	case result.Forbidden:
		return result.Errorf(result.Forbidden, "wrong password for %s", userID)
	case result.NotFound:
		return result.Errorf(result.NotFound, "user %s not found", userID)
	default:
		return result.Errorf(result.BadRequest, "cannot authenticate %s: %v", userID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if userID != sheet.Owner && !sheet.sharedWith(QualifiedUser(userID, s.domain)) {
		return result.Errorf(result.Forbidden, "sheet %s is not shared with %s", sheet.SheetID, userID)
	}
	return nil
}

// Sheet returns a copy of a sheet the user may read.
func (s *State) Sheet(ctx context.Context, sheetID, userID, password string) (*Spreadsheet, error) {
	sheet := s.lookup(sheetID)
	if sheet == nil {
		return nil, result.Errorf(result.NotFound, "sheet %s not found", sheetID)
	}
	if err := s.authorize(ctx, sheet, userID, password); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return sheet.clone(), nil
}

// ReferencedSheet returns a copy of a sheet on behalf of another sheet's
// owner, named as "user@domain". No password is involved: the request
// comes from a replica computing that other sheet.
func (s *State) ReferencedSheet(sheetID, qualifiedUser string) (*Spreadsheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sheet, ok := s.sheets[sheetID]
	if !ok {
		return nil, result.Errorf(result.NotFound, "sheet %s not found", sheetID)
	}
	if qualifiedUser != QualifiedUser(sheet.Owner, s.domain) && !sheet.sharedWith(qualifiedUser) {
		return nil, result.Errorf(result.BadRequest, "sheet %s is not shared with %s", sheetID, qualifiedUser)
	}
	return sheet.clone(), nil
}

// Snapshot encodes the whole state in a canonical form. Replicas that
// applied the same log prefix produce identical snapshots.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.RLock()
	all := make([]*Spreadsheet, 0, len(s.sheets))
	for _, sheet := range s.sheets {
		all = append(all, sheet.clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b *Spreadsheet) int { return strings.Compare(a.SheetID, b.SheetID) })
	return msgpack.Marshal(all)
}

// Len returns the number of sheets.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sheets)
}
