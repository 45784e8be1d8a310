package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"post-rpc/client"
	"post-rpc/config"
	"post-rpc/loadbalance"
	"post-rpc/registry"
)

type callFlags struct {
	Addr    string
	Etcd    string
	Notify  bool
	Timeout time.Duration
}

var callOpts callFlags

var callCmd = &cobra.Command{
	Use:   "call Service.Method [json-params]",
	Short: "Call a method and print its JSON result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var params json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("params are not valid JSON: %s", args[1])
			}
			params = json.RawMessage(args[1])
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), callOpts.Timeout)
		defer cancel()
		return call(ctx, cfg, args[0], params)
	},
}

func init() {
	callCmd.Flags().StringVar(&callOpts.Addr, "addr", "", "WebSocket URL of a server, skips discovery")
	callCmd.Flags().StringVar(&callOpts.Etcd, "etcd", "", "comma separated etcd endpoints (overrides registry.endpoints)")
	callCmd.Flags().BoolVar(&callOpts.Notify, "notify", false, "send without waiting for a reply")
	callCmd.Flags().DurationVar(&callOpts.Timeout, "timeout", 10*time.Second, "overall deadline")
}

func call(ctx context.Context, cfg config.Config, serviceMethod string, params json.RawMessage) error {
	service, _, ok := strings.Cut(serviceMethod, ".")
	if !ok {
		return client.ErrServiceMethod
	}

	reg, closeReg, err := callRegistry(ctx, cfg, service)
	if err != nil {
		return err
	}
	defer closeReg()

	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return err
	}
	cli := client.NewClient(reg, bal,
		client.WithLogger(log.Logger),
		client.WithVersion(cfg.Engine.Version),
		client.WithAffinityKey(cfg.Client.AffinityKey),
		client.WithReadyTimeout(cfg.Client.ReadyTimeout),
	)
	defer cli.Close()

	if callOpts.Notify {
		return cli.Notify(ctx, serviceMethod, params)
	}
	var result json.RawMessage
	if err := cli.Call(ctx, serviceMethod, params, &result); err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	_, err = fmt.Fprintln(os.Stdout, string(result))
	return err
}

// callRegistry returns where to discover service: a one-entry in-memory registry for
// --addr, etcd otherwise.
func callRegistry(ctx context.Context, cfg config.Config, service string) (registry.Registry, func(), error) {
	if callOpts.Addr != "" {
		reg := registry.NewMemoryRegistry()
		inst := registry.NewInstance(service, callOpts.Addr, 1, cfg.Engine.Version)
		if err := reg.Register(ctx, inst, 0); err != nil {
			return nil, nil, err
		}
		return reg, func() {}, nil
	}

	endpoints := cfg.Registry.Endpoints
	if callOpts.Etcd != "" {
		endpoints = strings.Split(callOpts.Etcd, ",")
	}
	if len(endpoints) == 0 {
		return nil, nil, errors.New("need --addr, --etcd or registry.endpoints")
	}
	etcd, err := registry.NewEtcdRegistry(endpoints, cfg.Registry.DialTimeout)
	if err != nil {
		return nil, nil, err
	}
	return etcd, func() { etcd.Close() }, nil
}
