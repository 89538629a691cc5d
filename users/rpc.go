package users

import (
	"context"
)

type CreateUserArgs struct {
	User User
}

type CredentialsArgs struct {
	UserID   string
	Password string
}

type UpdateUserArgs struct {
	UserID   string
	Password string
	User     User
}

type SearchUsersArgs struct {
	Pattern string
}

type UserIDReply struct {
	UserID string
}

type UserList struct {
	Users []User
}

// RPC exposes a Service on the RPC server as "Users".
type RPC struct {
	svc *Service
}

func NewRPC(svc *Service) *RPC {
	return &RPC{svc: svc}
}

func (r *RPC) CreateUser(ctx context.Context, args *CreateUserArgs, reply *UserIDReply) (err error) {
	reply.UserID, err = r.svc.CreateUser(ctx, args.User)
	return err
}

func (r *RPC) GetUser(ctx context.Context, args *CredentialsArgs, reply *User) (err error) {
	*reply, err = r.svc.GetUser(ctx, args.UserID, args.Password)
	return err
}

func (r *RPC) UpdateUser(ctx context.Context, args *UpdateUserArgs, reply *User) (err error) {
	*reply, err = r.svc.UpdateUser(ctx, args.UserID, args.Password, args.User)
	return err
}

func (r *RPC) DeleteUser(ctx context.Context, args *CredentialsArgs, reply *User) (err error) {
	*reply, err = r.svc.DeleteUser(ctx, args.UserID, args.Password)
	return err
}

func (r *RPC) SearchUsers(ctx context.Context, args *SearchUsersArgs, reply *UserList) (err error) {
	reply.Users, err = r.svc.SearchUsers(ctx, args.Pattern)
	return err
}
