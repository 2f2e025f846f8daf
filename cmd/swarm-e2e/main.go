// Command swarm-e2e smoke-tests a running shardnode process over the
// real wire protocol: dial it, issue GET_CAPABILITIES and EXECUTE_TASK,
// and report whether each round trip succeeded.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/peer"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/transport"
)

var nodeAddr string

func init() {
	flag.StringVar(&nodeAddr, "addr", "", "multiaddr of a running shardnode, e.g. /ip4/127.0.0.1/tcp/4001/p2p/<peer-id>")
}

func main() {
	flag.Parse()

	if nodeAddr == "" {
		fmt.Println("usage: swarm-e2e -addr <multiaddr>")
		os.Exit(1)
	}

	fmt.Println("testing GET_CAPABILITIES...")
	if err := testGetCapabilities(nodeAddr); err != nil {
		fmt.Println("failed:", err)
		os.Exit(1)
	}
	fmt.Println("success")

	fmt.Println("testing EXECUTE_TASK...")
	if err := testExecuteTask(nodeAddr); err != nil {
		fmt.Println("failed:", err)
		os.Exit(1)
	}
	fmt.Println("success")
}

func dialCommandClient(ctx context.Context, addr string) (*protocol.Client, peer.ID, *transport.Host, error) {
	identity, err := peer.NewIdentity()
	if err != nil {
		return nil, "", nil, errors.Wrap(err, "generate ephemeral identity")
	}
	host, err := transport.New(transport.Config{Identity: identity, ListenPort: 0})
	if err != nil {
		return nil, "", nil, errors.Wrap(err, "open transport")
	}

	id, err := host.Connect(ctx, addr)
	if err != nil {
		host.Close()
		return nil, "", nil, errors.Wrap(err, "connect to node")
	}

	s, err := host.OpenStream(ctx, id, transport.ProtocolCommand)
	if err != nil {
		host.Close()
		return nil, "", nil, errors.Wrap(err, "open command stream")
	}
	return protocol.NewClient(s), id, host, nil
}

func testGetCapabilities(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, id, host, err := dialCommandClient(ctx, addr)
	if err != nil {
		return err
	}
	defer host.Close()

	resp, err := client.Call(ctx, &protocol.Request{
		Command:   protocol.GetCapabilities,
		RequestID: "e2e-" + uuid.NewString(),
		From:      host.ID().String(),
		To:        id.String(),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return errors.Wrap(err, "GET_CAPABILITIES call")
	}
	if resp.Status != protocol.Success {
		return fmt.Errorf("GET_CAPABILITIES returned %s: %s", resp.ErrorKind, resp.Error)
	}
	if _, ok := resp.Result["shard_id"]; !ok {
		return fmt.Errorf("GET_CAPABILITIES response missing shard_id: %v", resp.Result)
	}
	return nil
}

func testExecuteTask(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, id, host, err := dialCommandClient(ctx, addr)
	if err != nil {
		return err
	}
	defer host.Close()

	resp, err := client.Call(ctx, &protocol.Request{
		Command:   protocol.ExecuteTask,
		RequestID: "e2e-" + uuid.NewString(),
		From:      host.ID().String(),
		To:        id.String(),
		Timestamp: time.Now().Unix(),
		Params: map[string]interface{}{
			"task_type":  "llama_inference",
			"input_data": "ping",
			"model_name": "llama-demo",
			"max_tokens": 16,
		},
	})
	if err != nil {
		return errors.Wrap(err, "EXECUTE_TASK call")
	}
	if resp.Status != protocol.Success {
		return fmt.Errorf("EXECUTE_TASK returned %s: %s", resp.ErrorKind, resp.Error)
	}
	return nil
}
