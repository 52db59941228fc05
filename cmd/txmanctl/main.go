// Command txmanctl is an interactive operator shell for driving
// transactions against a running txmand replica over its client RPC
// surface (transport/client.go).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
)

var serverAddr = flag.String("server", "127.0.0.1:9000", "txmand client RPC address")

type request struct {
	Group     string   `json:"group"`
	ClientID  string   `json:"client_id"`
	Nonce     uint64   `json:"nonce"`
	TxnID     string   `json:"txn_id"`
	Seqno     uint64   `json:"seqno,omitempty"`
	Table     string   `json:"table,omitempty"`
	Key       string   `json:"key,omitempty"`
	Value     []byte   `json:"value,omitempty"`
	Timestamp uint64   `json:"timestamp,omitempty"`
	DCs       []string `json:"data_centers,omitempty"`
}

type response struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	Value     []byte `json:"value,omitempty"`
}

// session tracks state across shell commands: the client identity every
// request is stamped with, the nonce counter for idempotent retries, and
// the current transaction id set by the last "begin".
type session struct {
	clientID string
	nonce    uint64
	txnID    string
	client   *http.Client
}

func main() {
	flag.Parse()
	s := &session{
		clientID: uuid.NewString(),
		client:   &http.Client{Timeout: 10 * time.Second},
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:            "txman» ",
		HistoryFile:       "/tmp/txmanctl_history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "txmanctl: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	fmt.Printf("txmanctl connected to %s, client id %s\n", *serverAddr, s.clientID)
	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		s.dispatch(strings.Fields(line))
	}
}

func (s *session) dispatch(args []string) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "begin":
		s.begin(args[1:])
	case "read":
		s.read(args[1:])
	case "write":
		s.write(args[1:])
	case "prepare":
		s.prepare(args[1:])
	case "abort":
		s.abort(args[1:])
	case "txn":
		fmt.Println(s.txnID)
	case "help":
		printHelp()
	default:
		fmt.Printf("unknown command %q; try \"help\"\n", args[0])
	}
}

func printHelp() {
	fmt.Println(`commands:
  begin   <group> [dc1,dc2,...]     start a transaction against a group
  read    <table> <key>              serializable read within the current txn
  write   <table> <key> <value>      buffer a write within the current txn
  prepare                            enter the two-level commit vote
  abort                              abort the current transaction
  txn                                print the current transaction id
  exit                                leave the shell`)
}

func (s *session) begin(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: begin <group> [dc1,dc2,...]")
		return
	}
	var dcs []string
	if len(args) > 1 {
		dcs = strings.Split(args[1], ",")
	}
	s.txnID = uuid.NewString()
	req := request{
		Group:     args[0],
		TxnID:     s.txnID,
		Timestamp: uint64(time.Now().UnixNano()),
		DCs:       dcs,
	}
	s.call("begin", req)
}

func (s *session) read(args []string) {
	if s.txnID == "" {
		fmt.Println("no active transaction; run begin first")
		return
	}
	if len(args) < 2 {
		fmt.Println("usage: read <table> <key>")
		return
	}
	req := request{TxnID: s.txnID, Table: args[0], Key: args[1]}
	s.call("read", req)
}

func (s *session) write(args []string) {
	if s.txnID == "" {
		fmt.Println("no active transaction; run begin first")
		return
	}
	if len(args) < 3 {
		fmt.Println("usage: write <table> <key> <value>")
		return
	}
	req := request{TxnID: s.txnID, Table: args[0], Key: args[1], Value: []byte(args[2])}
	s.call("write", req)
}

func (s *session) prepare(args []string) {
	if s.txnID == "" {
		fmt.Println("no active transaction; run begin first")
		return
	}
	s.call("prepare", request{TxnID: s.txnID})
}

func (s *session) abort(args []string) {
	if s.txnID == "" {
		fmt.Println("no active transaction; run begin first")
		return
	}
	s.call("abort", request{TxnID: s.txnID})
}

func (s *session) call(verb string, req request) {
	req.ClientID = s.clientID
	req.Nonce = s.nextNonce()
	if req.Group == "" {
		req.Group = "default"
	}
	body, err := json.Marshal(req)
	if err != nil {
		fmt.Printf("marshal error: %v\n", err)
		return
	}
	url := fmt.Sprintf("http://%s/txn/%s", *serverAddr, verb)
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Printf("bad response: %v\n", err)
		return
	}
	fmt.Printf("%s: %s", verb, out.Status)
	if out.Message != "" {
		fmt.Printf(" (%s)", out.Message)
	}
	if len(out.Value) > 0 {
		fmt.Printf(" value=%q", out.Value)
	}
	if out.Timestamp != 0 {
		fmt.Printf(" ts=%s", strconv.FormatUint(out.Timestamp, 10))
	}
	fmt.Println()
}

func (s *session) nextNonce() uint64 {
	s.nonce++
	return s.nonce
}
