package main

import (
	"LinkGuard/internal/command"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const usage = `Usage: lg-ctl [flags] <command>

Commands:
  ping                      report the active detection mode
  mode <name>               switch mode (screener, confirmer, hybrid, manual:screener, manual:confirmer)
  1 | 2                     shortcuts for manual:screener and manual:confirmer
  status                    print the detector status (http only)

Flags:
`

func main() {
	transport := flag.String("transport", "nats", "Control transport: nats, grpc or http")
	addr := flag.String("addr", "", "NATS URL, gRPC address or HTTP base URL")
	subject := flag.String("subject", "linkguard.control", "NATS control subject")
	timeout := flag.Duration("timeout", 3*time.Second, "Request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	text := strings.Join(flag.Args(), " ")

	var err error
	switch *transport {
	case "nats":
		err = viaNATS(*addr, *subject, text, *timeout)
	case "grpc":
		err = viaGRPC(*addr, text, *timeout)
	case "http":
		err = viaHTTP(*addr, text, *timeout)
	default:
		err = fmt.Errorf("unknown transport %q", *transport)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func toRequest(text string) (command.Request, error) {
	cmd, err := command.Parse(text)
	if err != nil {
		return command.Request{}, err
	}
	if cmd.Kind == command.KindPing {
		return command.Request{Command: "ping"}, nil
	}
	return command.Request{Command: "set_mode", Mode: cmd.Mode.String()}, nil
}

func viaNATS(url, subject, text string, timeout time.Duration) error {
	req, err := toRequest(text)
	if err != nil {
		return err
	}
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("lg-ctl"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	resp, err := command.RequestNATS(nc, subject, req, timeout)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func viaGRPC(addr, text string, timeout time.Duration) error {
	req, err := toRequest(text)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = "127.0.0.1:50061"
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client := command.NewControlClient(conn)
	var out *structpb.Struct
	if req.Command == "ping" {
		out, err = client.Ping(ctx)
	} else {
		out, err = client.SetMode(ctx, req.Mode)
	}
	if err != nil {
		return err
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func viaHTTP(base, text string, timeout time.Duration) error {
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	base = strings.TrimRight(base, "/")
	client := &http.Client{Timeout: timeout}

	var resp *http.Response
	var err error
	switch strings.TrimSpace(strings.ToLower(text)) {
	case "status":
		resp, err = client.Get(base + "/api/v1/status")
	case "ping":
		resp, err = client.Get(base + "/api/v1/mode")
	default:
		req, perr := toRequest(text)
		if perr != nil {
			return perr
		}
		body, _ := json.Marshal(req)
		resp, err = client.Post(base+"/api/v1/mode", "application/json", bytes.NewReader(body))
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("detector answered %s", resp.Status)
	}
	return nil
}

func printResponse(resp command.Response) error {
	if !resp.OK {
		return fmt.Errorf("rejected: %s (mode=%s)", resp.Reason, resp.Mode)
	}
	if resp.Reason != "" {
		fmt.Printf("ok: mode=%s (%s)\n", resp.Mode, resp.Reason)
		return nil
	}
	fmt.Printf("ok: mode=%s\n", resp.Mode)
	return nil
}
