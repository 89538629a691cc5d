package sheets

import (
	"context"

	"sheetmesh/result"
	"sheetmesh/server"
	"sheetmesh/version"
)

type CreateSheetArgs struct {
	Sheet    Spreadsheet
	Password string
}

type SheetArgs struct {
	SheetID  string
	UserID   string
	Password string
}

type UpdateCellArgs struct {
	SheetID  string
	Cell     string
	RawValue string
	UserID   string
	Password string
}

type ShareArgs struct {
	SheetID string
	// UserID is qualified as "user@domain".
	UserID   string
	Password string
}

type DeleteUserSheetsArgs struct {
	UserID   string
	Password string
}

type ReferencedValuesArgs struct {
	SheetID string
	// UserID is the owner of the importing sheet, as "user@domain".
	UserID string
	Range  string
	Depth  int
}

type SheetIDReply struct {
	SheetID string
}

type Empty struct{}

type ValuesReply struct {
	Values [][]string
}

// RPC exposes a Resource on the RPC server as "Sheets". Version headers
// of the request bound reads; the version headers of the outcome are sent
// back whether it succeeded or not.
type RPC struct {
	res *Resource
}

func NewRPC(res *Resource) *RPC {
	return &RPC{res: res}
}

func reply[T any](ctx context.Context, r result.Result[T], out *T) error {
	server.SetHeaders(ctx, r.Metadata)
	if !r.IsOK() {
		return r.Err()
	}
	*out = r.Value
	return nil
}

func requested(ctx context.Context) version.Vector {
	return version.FromMetadata(server.IncomingMetadata(ctx))
}

func (r *RPC) CreateSheet(ctx context.Context, args *CreateSheetArgs, out *SheetIDReply) error {
	return reply(ctx, r.res.CreateSheet(ctx, args.Sheet, args.Password), &out.SheetID)
}

func (r *RPC) DeleteSheet(ctx context.Context, args *SheetArgs, out *Empty) error {
	var ignored string
	return reply(ctx, r.res.DeleteSheet(ctx, args.SheetID, args.Password), &ignored)
}

func (r *RPC) GetSheet(ctx context.Context, args *SheetArgs, out *Spreadsheet) error {
	return reply(ctx, r.res.GetSheet(ctx, requested(ctx), args.SheetID, args.UserID, args.Password), out)
}

func (r *RPC) UpdateCell(ctx context.Context, args *UpdateCellArgs, out *Empty) error {
	var ignored string
	return reply(ctx, r.res.UpdateCell(ctx, args.SheetID, args.Cell, args.RawValue, args.UserID, args.Password), &ignored)
}

func (r *RPC) ShareSheet(ctx context.Context, args *ShareArgs, out *Empty) error {
	var ignored string
	return reply(ctx, r.res.Share(ctx, args.SheetID, args.UserID, args.Password), &ignored)
}

func (r *RPC) UnshareSheet(ctx context.Context, args *ShareArgs, out *Empty) error {
	var ignored string
	return reply(ctx, r.res.Unshare(ctx, args.SheetID, args.UserID, args.Password), &ignored)
}

func (r *RPC) DeleteUserSheets(ctx context.Context, args *DeleteUserSheetsArgs, out *Empty) error {
	var ignored string
	return reply(ctx, r.res.DeleteUserSheets(ctx, args.UserID, args.Password), &ignored)
}

func (r *RPC) GetSpreadsheetValues(ctx context.Context, args *SheetArgs, out *ValuesReply) error {
	return reply(ctx, r.res.GetValues(ctx, requested(ctx), args.SheetID, args.UserID, args.Password), &out.Values)
}

func (r *RPC) GetReferencedSpreadsheetValues(ctx context.Context, args *ReferencedValuesArgs, out *ValuesReply) error {
	return reply(ctx, r.res.GetReferencedValues(ctx, requested(ctx), args.SheetID, args.UserID, args.Range, args.Depth), &out.Values)
}
