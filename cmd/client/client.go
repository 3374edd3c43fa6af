package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Command-line client for the compaction API. Every subcommand prints the
// server's JSON response and exits non-zero when the request was rejected.

// connFlags carries the connection options shared by all subcommands.
type connFlags struct {
	addr        *string
	username    *string
	password    *string
	caFile      *string
	insecureTLS *bool
}

func registerConnFlags(fs *flag.FlagSet) *connFlags {
	return &connFlags{
		addr:        fs.String("addr", "http://localhost:8040", "Base URL of the compaction API server"),
		username:    fs.String("username", "", "Username for authentication"),
		password:    fs.String("password", "", "Password for authentication"),
		caFile:      fs.String("cacert", "", "CA certificate file to trust for HTTPS"),
		insecureTLS: fs.Bool("insecure-tls", false, "Enable TLS but skip server certificate verification (INSECURE, for development only)"),
	}
}

func (c *connFlags) httpClient() *http.Client {
	transport := &http.Transport{}
	if *c.insecureTLS {
		// WARNING: This is vulnerable to man-in-the-middle attacks. Do not use in production.
		log.Println("--- WARNING: Connecting with TLS but skipping server certificate verification (INSECURE) ---")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else if *c.caFile != "" {
		cert, err := os.ReadFile(*c.caFile)
		if err != nil {
			log.Fatalf("Failed to read CA certificate file: %v", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(cert) {
			log.Fatalf("Failed to append CA certificate to pool")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: certPool}
	}
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}
}

// call performs one request and prints the JSON response body indented.
func (c *connFlags) call(method, path string, params url.Values) {
	reqURL := *c.addr + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequest(method, reqURL, nil)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	if *c.username != "" {
		req.SetBasicAuth(*c.username, *c.password)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		// Not JSON, print as-is (e.g. an auth challenge body).
		fmt.Println(string(body))
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Server responded with status %s\n", resp.Status)
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	showCmd := flag.NewFlagSet("show", flag.ExitOnError)
	showConn := registerConnFlags(showCmd)
	showTablet := showCmd.Uint64("tablet", 0, "Tablet ID to inspect (required).")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runConn := registerConnFlags(runCmd)
	runTablet := runCmd.Uint64("tablet", 0, "Tablet ID to compact.")
	runTable := runCmd.Uint64("table", 0, "Table ID to compact (every tablet of the table).")
	runType := runCmd.String("type", "cumulative", "Compaction type: base, cumulative or full.")
	runRemote := runCmd.Bool("remote", false, "Fetch the compacted rowset from a replica peer instead of merging locally.")

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusConn := registerConnFlags(statusCmd)
	statusTablet := statusCmd.Uint64("tablet", 0, "Tablet ID to probe. Omit for the engine-wide summary.")

	switch os.Args[1] {
	case "show":
		showCmd.Parse(os.Args[2:])
		if *showTablet == 0 {
			fmt.Println("Error: -tablet is required.")
			showCmd.Usage()
			os.Exit(1)
		}
		showConn.call(http.MethodGet, "/api/compaction/show", url.Values{
			"tablet_id": {strconv.FormatUint(*showTablet, 10)},
		})
	case "run":
		runCmd.Parse(os.Args[2:])
		params := url.Values{"compact_type": {*runType}}
		if *runTablet != 0 {
			params.Set("tablet_id", strconv.FormatUint(*runTablet, 10))
		}
		if *runTable != 0 {
			params.Set("table_id", strconv.FormatUint(*runTable, 10))
		}
		if *runRemote {
			params.Set("remote", "true")
		}
		runConn.call(http.MethodPost, "/api/compaction/run", params)
	case "status":
		statusCmd.Parse(os.Args[2:])
		params := url.Values{}
		if *statusTablet != 0 {
			params.Set("tablet_id", strconv.FormatUint(*statusTablet, 10))
		}
		statusConn.call(http.MethodGet, "/api/compaction/run_status", params)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: client <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  show   - Show the rowset layout of a tablet")
	fmt.Println("  run    - Trigger a compaction on a tablet or a table")
	fmt.Println("  status - Check whether a compaction is running")
	fmt.Println("\nUse 'client <command> -h' for more information on a specific command.")
}
