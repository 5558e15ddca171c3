// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// warden-admin is the operator CLI for a running warden gateway. It
// talks to the admin listener over HTTP and also carries the offline
// credential tooling (keygen, seal) so operators never need a second
// binary to prepare a sealed credentials file.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/pflag"

	"github.com/warden-gw/warden/credstore"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "register":
		return runRegister(os.Args[2:])
	case "revoke":
		return runRevoke(os.Args[2:])
	case "mapping":
		return runMapping(os.Args[2:])
	case "dlq":
		return runDLQ(os.Args[2:])
	case "audit":
		return runAudit(os.Args[2:])
	case "keygen":
		return runKeygen()
	case "seal":
		return runSeal(os.Args[2:])
	case "version":
		fmt.Printf("warden-admin %s\n", version)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: warden-admin <subcommand> [flags]

Subcommands:
  register    Register a container for a task; prints the one-time token
  revoke      Revoke a container's registration
  mapping     Manage task-to-thread mappings (create, close)
  dlq         Inspect and replay dead-lettered messages (list, replay)
  audit       Query the audit log (tail, verify)
  keygen      Generate an age keypair for sealed credentials
  seal        Seal a credentials file read from stdin
  version     Print version information

The admin endpoint and secret come from --addr and the
WARDEN_ADMIN_SECRET environment variable.

Run 'warden-admin <subcommand> --help' for subcommand flags.
`)
}

// adminClient issues authenticated requests against the admin listener.
type adminClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

// adminFlags registers the connection flags shared by every subcommand
// that talks to a running gateway.
func adminFlags(flags *pflag.FlagSet) *string {
	return flags.String("addr", "http://127.0.0.1:7602", "admin API base URL")
}

func newAdminClient(addr string) (*adminClient, error) {
	secret := os.Getenv("WARDEN_ADMIN_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("WARDEN_ADMIN_SECRET is not set")
	}
	return &adminClient{
		baseURL: strings.TrimRight(addr, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends one request and decodes the JSON response into result.
// Non-2xx responses are turned into errors carrying the gateway's
// error envelope message.
func (c *adminClient) do(method, path string, requestBody, result any) error {
	var reader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.secret)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("admin API returned %d", response.StatusCode)
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func runRegister(args []string) error {
	flags := pflag.NewFlagSet("register", pflag.ExitOnError)
	addr := adminFlags(flags)
	container := flags.String("container", "", "container identifier (required)")
	task := flags.String("task", "", "task identifier (required)")
	flags.Parse(args)

	if *container == "" || *task == "" {
		flags.Usage()
		return fmt.Errorf("--container and --task are required")
	}

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}

	var issued struct {
		Token        string `json:"token"`
		SharedSecret string `json:"shared_secret"`
	}
	err = client.do(http.MethodPost, "/v1/admin/registrations", map[string]string{
		"container_id": *container,
		"task_id":      *task,
	}, &issued)
	if err != nil {
		return err
	}

	// The shared secret goes to stderr so the token can be piped on
	// its own; neither is ever recoverable from the gateway again.
	fmt.Fprintf(os.Stderr, "# shared secret (deliver out of band, shown once):\n")
	fmt.Fprintf(os.Stderr, "%s\n", issued.SharedSecret)
	fmt.Fprintf(os.Stdout, "%s\n", issued.Token)
	return nil
}

func runRevoke(args []string) error {
	flags := pflag.NewFlagSet("revoke", pflag.ExitOnError)
	addr := adminFlags(flags)
	container := flags.String("container", "", "container identifier (required)")
	task := flags.String("task", "", "task identifier (required)")
	flags.Parse(args)

	if *container == "" || *task == "" {
		flags.Usage()
		return fmt.Errorf("--container and --task are required")
	}

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/admin/registrations/%s/%s",
		url.PathEscape(*container), url.PathEscape(*task))
	if err := client.do(http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	fmt.Printf("revoked %s/%s\n", *container, *task)
	return nil
}

func runMapping(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden-admin mapping <create|close> [flags]")
	}
	switch args[0] {
	case "create":
		return runMappingCreate(args[1:])
	case "close":
		return runMappingClose(args[1:])
	default:
		return fmt.Errorf("unknown mapping subcommand: %q", args[0])
	}
}

func runMappingCreate(args []string) error {
	flags := pflag.NewFlagSet("mapping create", pflag.ExitOnError)
	addr := adminFlags(flags)
	task := flags.String("task", "", "task identifier (required)")
	thread := flags.String("thread", "", "upstream thread identifier (required)")
	createdBy := flags.String("created-by", "", "operator name recorded on the mapping")
	flags.Parse(args)

	if *task == "" || *thread == "" {
		flags.Usage()
		return fmt.Errorf("--task and --thread are required")
	}

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}
	err = client.do(http.MethodPost, "/v1/admin/mappings", map[string]string{
		"task_id":    *task,
		"thread_id":  *thread,
		"created_by": *createdBy,
	}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("mapped task %s to thread %s\n", *task, *thread)
	return nil
}

func runMappingClose(args []string) error {
	flags := pflag.NewFlagSet("mapping close", pflag.ExitOnError)
	addr := adminFlags(flags)
	task := flags.String("task", "", "task identifier (required)")
	flags.Parse(args)

	if *task == "" {
		flags.Usage()
		return fmt.Errorf("--task is required")
	}

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}
	path := "/v1/admin/mappings/" + url.PathEscape(*task) + "/close"
	if err := client.do(http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	fmt.Printf("closed mapping for task %s\n", *task)
	return nil
}

func runDLQ(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden-admin dlq <list|replay> [flags]")
	}
	switch args[0] {
	case "list":
		return runDLQList(args[1:])
	case "replay":
		return runDLQReplay(args[1:])
	default:
		return fmt.Errorf("unknown dlq subcommand: %q", args[0])
	}
}

func runDLQList(args []string) error {
	flags := pflag.NewFlagSet("dlq list", pflag.ExitOnError)
	addr := adminFlags(flags)
	flags.Parse(args)

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}

	var listing struct {
		DeadLetters []struct {
			Message struct {
				ID       string `json:"id"`
				ThreadID string `json:"thread_id"`
				Sender   string `json:"sender"`
				Body     string `json:"body"`
				Attempts int    `json:"attempts"`
			} `json:"message"`
			Reason   string    `json:"reason"`
			FailedAt time.Time `json:"failed_at"`
		} `json:"dead_letters"`
	}
	if err := client.do(http.MethodGet, "/v1/admin/deadletters", nil, &listing); err != nil {
		return err
	}

	if len(listing.DeadLetters) == 0 {
		fmt.Println("dead-letter queue is empty")
		return nil
	}
	for _, letter := range listing.DeadLetters {
		fmt.Printf("%s  thread=%s sender=%s attempts=%d failed=%s\n    reason: %s\n    %s\n",
			letter.Message.ID, letter.Message.ThreadID, letter.Message.Sender,
			letter.Message.Attempts, letter.FailedAt.Format(time.RFC3339),
			letter.Reason, truncate(letter.Message.Body, 120))
	}
	return nil
}

func runDLQReplay(args []string) error {
	flags := pflag.NewFlagSet("dlq replay", pflag.ExitOnError)
	addr := adminFlags(flags)
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("usage: warden-admin dlq replay <message-id>")
	}
	messageID := flags.Arg(0)

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}
	path := "/v1/admin/deadletters/" + url.PathEscape(messageID) + "/replay"
	if err := client.do(http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	fmt.Printf("replayed %s\n", messageID)
	return nil
}

func runAudit(args []string) error {
	if len(args) > 0 && args[0] == "verify" {
		return runAuditVerify(args[1:])
	}
	return runAuditTail(args)
}

func runAuditTail(args []string) error {
	flags := pflag.NewFlagSet("audit", pflag.ExitOnError)
	addr := adminFlags(flags)
	since := flags.String("since", "", "only entries at or after this RFC 3339 timestamp")
	operation := flags.String("operation", "", "filter by operation name")
	container := flags.String("container", "", "filter by container identifier")
	task := flags.String("task", "", "filter by task identifier")
	outcome := flags.String("outcome", "", "filter by outcome (allowed, denied, error)")
	limit := flags.Int("limit", 100, "maximum entries to return")
	asJSON := flags.Bool("json", false, "print raw JSON entries, one per line")
	flags.Parse(args)

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}

	query := url.Values{}
	if *since != "" {
		query.Set("since", *since)
	}
	if *operation != "" {
		query.Set("operation", *operation)
	}
	if *container != "" {
		query.Set("container", *container)
	}
	if *task != "" {
		query.Set("task", *task)
	}
	if *outcome != "" {
		query.Set("outcome", *outcome)
	}
	query.Set("limit", fmt.Sprint(*limit))

	var listing struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := client.do(http.MethodGet, "/v1/admin/audit?"+query.Encode(), nil, &listing); err != nil {
		return err
	}

	for _, raw := range listing.Entries {
		if *asJSON {
			fmt.Println(string(raw))
			continue
		}
		var entry struct {
			Seq         int64     `json:"seq"`
			Timestamp   time.Time `json:"timestamp"`
			Operation   string    `json:"operation"`
			ContainerID string    `json:"container_id"`
			TaskID      string    `json:"task_id"`
			Outcome     string    `json:"outcome"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decoding audit entry: %w", err)
		}
		fmt.Printf("%6d  %s  %-20s %-8s %s/%s\n",
			entry.Seq, entry.Timestamp.Format(time.RFC3339),
			entry.Operation, entry.Outcome, entry.ContainerID, entry.TaskID)
	}
	return nil
}

func runAuditVerify(args []string) error {
	flags := pflag.NewFlagSet("audit verify", pflag.ExitOnError)
	addr := adminFlags(flags)
	flags.Parse(args)

	client, err := newAdminClient(*addr)
	if err != nil {
		return err
	}

	var result struct {
		Verified bool  `json:"verified"`
		BreakSeq int64 `json:"break_seq"`
	}
	if err := client.do(http.MethodGet, "/v1/admin/audit/verify", nil, &result); err != nil {
		return err
	}
	if !result.Verified {
		return fmt.Errorf("audit chain broken at seq %d", result.BreakSeq)
	}
	fmt.Println("audit chain verified")
	return nil
}

// runKeygen prints a fresh age keypair. The private identity goes to
// stderr so the public recipient can be piped on its own.
func runKeygen() error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	fmt.Fprintf(os.Stderr, "# identity (keep secret, this unseals credential files):\n")
	fmt.Fprintf(os.Stderr, "%s\n", identity.String())
	fmt.Fprintf(os.Stdout, "%s\n", identity.Recipient().String())
	return nil
}

// runSeal reads KEY=VALUE credential lines from stdin and writes the
// sealed ciphertext to stdout or --out.
func runSeal(args []string) error {
	flags := pflag.NewFlagSet("seal", pflag.ExitOnError)
	recipient := flags.String("recipient", "", "age recipient public key (required)")
	outPath := flags.String("out", "", "output path (stdout when omitted)")
	flags.Parse(args)

	if *recipient == "" {
		flags.Usage()
		return fmt.Errorf("--recipient is required")
	}

	plaintext, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(bytes.TrimSpace(plaintext)) == 0 {
		return fmt.Errorf("no credential data on stdin")
	}

	sealed, err := credstore.Seal(plaintext, *recipient)
	if err != nil {
		return err
	}

	if *outPath == "" {
		_, err = os.Stdout.Write(sealed)
		return err
	}
	if err := os.WriteFile(*outPath, sealed, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *outPath)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
