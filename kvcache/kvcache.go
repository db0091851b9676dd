// Package kvcache is a small in-memory key-value cache client.
//
// Every command goes through the Execute site, so that it can be
// instrumented.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sarchlab/autoinstr/hooking"
)

// Version is the version of the library reported to the inventory.
const Version = "1.2.0"

// Errors returned by the client.
var (
	ErrNotFound       = errors.New("key not found")
	ErrUnknownCommand = errors.New("unknown command")
	ErrWrongArity     = errors.New("wrong number of arguments")
)

// Operations.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
	OpMGet   = "mget"
)

// A Command is one request sent to the cache.
type Command struct {
	Op   string
	Args []string
}

// ExecuteFunc runs a command on a client.
type ExecuteFunc func(ctx context.Context, c *Client, cmd Command) (any, error)

// Execute is the site that every client command passes through.
var Execute = hooking.NewSite[ExecuteFunc]("kvcache.Execute", execute)

// Client is a cache client.
type Client struct {
	Host string
	Port int
	DB   int

	site *hooking.Site[ExecuteFunc]

	lock sync.RWMutex
	data map[string]string
}

// ClientOption configures a client.
type ClientOption func(c *Client)

// WithDB selects the logical database.
func WithDB(db int) ClientOption {
	return func(c *Client) {
		c.DB = db
	}
}

// WithSite makes the client call through a site other than Execute.
func WithSite(site *hooking.Site[ExecuteFunc]) ClientOption {
	return func(c *Client) {
		c.site = site
	}
}

// NewClient creates a client.
func NewClient(host string, port int, opts ...ClientOption) *Client {
	c := &Client{
		Host: host,
		Port: port,
		site: Execute,
		data: make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do sends a command.
func (c *Client) Do(ctx context.Context, cmd Command) (any, error) {
	return c.site.Func()(ctx, c, cmd)
}

// Get returns the value of a key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	res, err := c.Do(ctx, Command{Op: OpGet, Args: []string{key}})
	if err != nil {
		return "", err
	}

	return res.(string), nil
}

// Set stores a value.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.Do(ctx, Command{Op: OpSet, Args: []string{key, value}})
	return err
}

// Delete removes a key. It returns false if the key did not exist.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.Do(ctx, Command{Op: OpDelete, Args: []string{key}})
	if err != nil {
		return false, err
	}

	return res.(bool), nil
}

// MGet returns the values of several keys. Missing keys yield empty strings.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]string, error) {
	res, err := c.Do(ctx, Command{Op: OpMGet, Args: keys})
	if err != nil {
		return nil, err
	}

	return res.([]string), nil
}

func arityMustBe(cmd Command, n int) error {
	if len(cmd.Args) != n {
		return fmt.Errorf("%w: %s takes %d, got %d",
			ErrWrongArity, cmd.Op, n, len(cmd.Args))
	}

	return nil
}

func execute(ctx context.Context, c *Client, cmd Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch strings.ToLower(cmd.Op) {
	case OpGet:
		if err := arityMustBe(cmd, 1); err != nil {
			return nil, err
		}

		c.lock.RLock()
		defer c.lock.RUnlock()

		v, ok := c.data[cmd.Args[0]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cmd.Args[0])
		}

		return v, nil
	case OpSet:
		if err := arityMustBe(cmd, 2); err != nil {
			return nil, err
		}

		c.lock.Lock()
		defer c.lock.Unlock()

		c.data[cmd.Args[0]] = cmd.Args[1]

		return "OK", nil
	case OpDelete:
		if err := arityMustBe(cmd, 1); err != nil {
			return nil, err
		}

		c.lock.Lock()
		defer c.lock.Unlock()

		_, ok := c.data[cmd.Args[0]]
		delete(c.data, cmd.Args[0])

		return ok, nil
	case OpMGet:
		c.lock.RLock()
		defer c.lock.RUnlock()

		values := make([]string, len(cmd.Args))
		for i, k := range cmd.Args {
			values[i] = c.data[k]
		}

		return values, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Op)
}
