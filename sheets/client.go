package sheets

import (
	"context"

	"sheetmesh/client"
	"sheetmesh/result"
	"sheetmesh/version"
)

// Invoker is satisfied by client.FanoutClient and client.FailoverClient.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, md map[string]string) result.Result[[]byte]
}

// Client calls the sheets replicas of a domain. Results keep the version
// headers of the replica that answered.
type Client struct {
	inv Invoker
}

func NewClient(inv Invoker) *Client {
	return &Client{inv: inv}
}

func call[T any](ctx context.Context, c *Client, method string, vv version.Vector, args any) result.Result[T] {
	var md map[string]string
	if len(vv) > 0 {
		md = vv.Metadata()
	}
	return client.Decode[T](c.inv.Invoke(ctx, ServiceName+"."+method, args, md))
}

func unwrap[T, U any](r result.Result[T], f func(T) U) result.Result[U] {
	out := result.Cast[U](r)
	if r.IsOK() {
		out.Value = f(r.Value)
	}
	return out
}

func (c *Client) CreateSheet(ctx context.Context, sheet Spreadsheet, password string) result.Result[string] {
	r := call[SheetIDReply](ctx, c, "CreateSheet", nil, &CreateSheetArgs{Sheet: sheet, Password: password})
	return unwrap(r, func(v SheetIDReply) string { return v.SheetID })
}

func (c *Client) DeleteSheet(ctx context.Context, sheetID, password string) result.Result[Empty] {
	return call[Empty](ctx, c, "DeleteSheet", nil, &SheetArgs{SheetID: sheetID, Password: password})
}

func (c *Client) GetSheet(ctx context.Context, vv version.Vector, sheetID, userID, password string) result.Result[Spreadsheet] {
	return call[Spreadsheet](ctx, c, "GetSheet", vv, &SheetArgs{SheetID: sheetID, UserID: userID, Password: password})
}

func (c *Client) UpdateCell(ctx context.Context, sheetID, cell, rawValue, userID, password string) result.Result[Empty] {
	return call[Empty](ctx, c, "UpdateCell", nil, &UpdateCellArgs{SheetID: sheetID, Cell: cell, RawValue: rawValue, UserID: userID, Password: password})
}

func (c *Client) Share(ctx context.Context, sheetID, qualifiedUser, password string) result.Result[Empty] {
	return call[Empty](ctx, c, "ShareSheet", nil, &ShareArgs{SheetID: sheetID, UserID: qualifiedUser, Password: password})
}

func (c *Client) Unshare(ctx context.Context, sheetID, qualifiedUser, password string) result.Result[Empty] {
	return call[Empty](ctx, c, "UnshareSheet", nil, &ShareArgs{SheetID: sheetID, UserID: qualifiedUser, Password: password})
}

func (c *Client) GetValues(ctx context.Context, vv version.Vector, sheetID, userID, password string) result.Result[[][]string] {
	r := call[ValuesReply](ctx, c, "GetSpreadsheetValues", vv, &SheetArgs{SheetID: sheetID, UserID: userID, Password: password})
	return unwrap(r, func(v ValuesReply) [][]string { return v.Values })
}

func (c *Client) GetReferencedValues(ctx context.Context, vv version.Vector, sheetID, qualifiedUser, rng string, depth int) result.Result[[][]string] {
	r := call[ValuesReply](ctx, c, "GetReferencedSpreadsheetValues", vv, &ReferencedValuesArgs{SheetID: sheetID, UserID: qualifiedUser, Range: rng, Depth: depth})
	return unwrap(r, func(v ValuesReply) [][]string { return v.Values })
}

// DeleteUserSheets makes Client a users.SheetsCleaner.
func (c *Client) DeleteUserSheets(ctx context.Context, userID, password string) error {
	return call[Empty](ctx, c, "DeleteUserSheets", nil, &DeleteUserSheetsArgs{UserID: userID, Password: password}).Err()
}
