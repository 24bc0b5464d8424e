// Command scheductl is a small read-only operator CLI that hits the HTTP
// admin surface to list meetings/servers and dump one meeting's status
// ledger, as a thin client instead of a new core concern.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	var baseURL string
	pflag.StringVar(&baseURL, "addr", "http://localhost:8080", "base URL of the httpadmin server")
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "servers":
		err = get(baseURL + "/api/v1/servers")
	case "meetings":
		err = get(baseURL + "/api/v1/meetings")
	case "status":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = get(baseURL + "/api/v1/meetings/" + args[1] + "/status")
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scheductl [--addr url] servers|meetings|status <id>")
}

func get(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
