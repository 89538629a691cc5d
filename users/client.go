package users

import (
	"context"

	"sheetmesh/client"
	"sheetmesh/result"
)

// Invoker is satisfied by client.FanoutClient and client.FailoverClient.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, md map[string]string) result.Result[[]byte]
}

// Client calls the users replicas of a domain.
type Client struct {
	inv Invoker
}

func NewClient(inv Invoker) *Client {
	return &Client{inv: inv}
}

func call[T any](ctx context.Context, c *Client, method string, args any) (T, error) {
	r := client.Decode[T](c.inv.Invoke(ctx, ServiceName+"."+method, args, nil))
	return r.Value, r.Err()
}

func (c *Client) CreateUser(ctx context.Context, u User) (string, error) {
	reply, err := call[UserIDReply](ctx, c, "CreateUser", &CreateUserArgs{User: u})
	return reply.UserID, err
}

func (c *Client) GetUser(ctx context.Context, userID, password string) (User, error) {
	return call[User](ctx, c, "GetUser", &CredentialsArgs{UserID: userID, Password: password})
}

func (c *Client) UpdateUser(ctx context.Context, userID, password string, update User) (User, error) {
	return call[User](ctx, c, "UpdateUser", &UpdateUserArgs{UserID: userID, Password: password, User: update})
}

func (c *Client) DeleteUser(ctx context.Context, userID, password string) (User, error) {
	return call[User](ctx, c, "DeleteUser", &CredentialsArgs{UserID: userID, Password: password})
}

func (c *Client) SearchUsers(ctx context.Context, pattern string) ([]User, error) {
	reply, err := call[UserList](ctx, c, "SearchUsers", &SearchUsersArgs{Pattern: pattern})
	return reply.Users, err
}
