// Command idpctl drives the encrypted control channel from the terminal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"idpd/client"
	"idpd/server"
)

const usageText = `usage: idpctl [flags] <command> [args]

commands:
  health                               check the control channel end to end
  users [limit]                        list users
  set-role <user-id> <role>            change a user's role
  keys [limit]                         list API keys
  create-key <name>                    mint an API key (plaintext shown once)
  clients [limit]                      list OAuth clients
  create-client <name> <uri> [uri...]  register an OAuth client
  export [limit]                       export full state (add -audit for log)

flags:
`

func main() {
	baseURL := flag.String("url", envOr("IDPD_URL", "http://127.0.0.1:8080"), "Server base URL")
	sharedSecret := flag.String("secret", os.Getenv("IDPD_CONTROL_SHARED_SECRET"), "Control shared secret")
	encKey := flag.String("enc-key", os.Getenv("IDPD_CONTROL_ENCRYPTION_KEY"), "Control encryption key (hex or base64)")
	hmacKey := flag.String("hmac-key", os.Getenv("IDPD_CONTROL_HMAC_KEY"), "Control HMAC key (hex or base64)")
	includeAudit := flag.Bool("audit", false, "Include the audit log in export")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	enc, err := server.DecodeKey(*encKey)
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}
	hm, err := server.DecodeKey(*hmacKey)
	if err != nil {
		log.Fatalf("hmac key: %v", err)
	}

	ctl, err := client.NewControl(client.ControlConfig{
		BaseURL:       *baseURL,
		SharedSecret:  *sharedSecret,
		EncryptionKey: enc,
		HMACKey:       hm,
	})
	if err != nil {
		log.Fatalf("init client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req, err := buildRequest(args, *includeAudit)
	if err != nil {
		log.Fatalf("%v", err)
	}

	result, err := ctl.Do(ctx, req)
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
	printJSON(result)
}

func buildRequest(args []string, includeAudit bool) (server.ControlRequest, error) {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "health":
		return server.ControlRequest{Action: "health"}, nil
	case "users":
		return server.ControlRequest{Action: "list_users", Limit: parseLimit(rest)}, nil
	case "set-role":
		if len(rest) != 2 {
			return server.ControlRequest{}, fmt.Errorf("usage: idpctl set-role <user-id> <role>")
		}
		return server.ControlRequest{Action: "set_user_role", UserID: rest[0], Role: rest[1]}, nil
	case "keys":
		return server.ControlRequest{Action: "list_api_keys", Limit: parseLimit(rest)}, nil
	case "create-key":
		if len(rest) != 1 {
			return server.ControlRequest{}, fmt.Errorf("usage: idpctl create-key <name>")
		}
		return server.ControlRequest{Action: "create_api_key", Name: rest[0]}, nil
	case "clients":
		return server.ControlRequest{Action: "list_oauth_clients", Limit: parseLimit(rest)}, nil
	case "create-client":
		if len(rest) < 2 {
			return server.ControlRequest{}, fmt.Errorf("usage: idpctl create-client <name> <redirect-uri> [uri...]")
		}
		return server.ControlRequest{Action: "create_oauth_client", Client: &server.ControlClientParams{
			Name:         rest[0],
			RedirectURIs: rest[1:],
		}}, nil
	case "export":
		return server.ControlRequest{Action: "export_full_state", Limit: parseLimit(rest), IncludeAudit: includeAudit}, nil
	default:
		return server.ControlRequest{}, fmt.Errorf("unknown command %q", cmd)
	}
}

func parseLimit(args []string) int {
	if len(args) == 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return 0
	}
	return n
}

func printJSON(raw json.RawMessage) {
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(out))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
