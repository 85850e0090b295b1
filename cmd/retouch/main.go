package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/throw-if-null/retouch/internal/api"
	"github.com/throw-if-null/retouch/internal/version"
)

func main() {
	base := os.Getenv("RETOUCH_SERVER")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
	}
	client := &http.Client{Timeout: 60 * time.Second}
	os.Exit(run(os.Args[1:], client, base, os.Stdout, os.Stderr))
}

func run(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(errOut)
		return 2
	}

	switch args[0] {
	case "upload":
		return upload(args[1:], client, baseURL, out, errOut)
	case "edit":
		return edit(args[1:], client, baseURL, out, errOut)
	case "status":
		return status(args[1:], client, baseURL, out, errOut)
	case "tasks":
		return tasks(args[1:], client, baseURL, out, errOut)
	case "models":
		return getJSON(client, baseURL+"/api/flux/models", out, errOut)
	case "images":
		return getJSON(client, baseURL+"/api/images", out, errOut)
	case "version":
		fmt.Fprintf(out, "retouch %s (%s)\n", version.Version, version.Commit)
		return 0
	default:
		usage(errOut)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  retouch upload <file>")
	fmt.Fprintln(w, "  retouch edit --image <id> --prompt <text> [--model kontext-pro|kontext-max] [--seed n] [--steps n] [--guidance f]")
	fmt.Fprintln(w, "  retouch status <task-id>")
	fmt.Fprintln(w, "  retouch tasks [--image <id>]")
	fmt.Fprintln(w, "  retouch models")
	fmt.Fprintln(w, "  retouch images")
	fmt.Fprintln(w, "  retouch version")
}

func upload(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) != 1 {
		usage(errOut)
		return 2
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filepath.Base(args[0]))
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	if _, err := fw.Write(data); err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	_ = mw.Close()

	resp, err := client.Post(baseURL+"/api/images/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	return printResponse(resp, out, errOut)
}

func edit(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var imageID, prompt, model string
	var seed, steps int
	var guidance float64
	fs.StringVar(&imageID, "image", "", "source image id")
	fs.StringVar(&prompt, "prompt", "", "edit instruction")
	fs.StringVar(&model, "model", api.ModelKontextPro, "model id")
	fs.IntVar(&seed, "seed", 0, "seed for reproducible generation")
	fs.IntVar(&steps, "steps", 0, "generation steps, 1..50")
	fs.Float64Var(&guidance, "guidance", 0, "guidance scale, 0..20")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if imageID == "" || prompt == "" {
		fs.Usage()
		return 2
	}

	req := api.EditRequest{ImageID: imageID, Prompt: prompt, Model: model}
	opts := &api.EditOptions{}
	set := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			opts.Seed = &seed
			set = true
		case "steps":
			opts.Steps = &steps
			set = true
		case "guidance":
			opts.Guidance = &guidance
			set = true
		}
	})
	if set {
		req.Options = opts
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(&req); err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}

	resp, err := client.Post(baseURL+"/api/flux/edit", "application/json", &buf)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	return printResponse(resp, out, errOut)
}

func status(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) != 1 {
		usage(errOut)
		return 2
	}
	return getJSON(client, baseURL+"/api/flux/status/"+url.PathEscape(args[0]), out, errOut)
}

func tasks(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var imageID string
	fs.StringVar(&imageID, "image", "", "filter by source image id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	u := baseURL + "/api/flux/tasks"
	if imageID != "" {
		u += "?image_id=" + url.QueryEscape(imageID)
	}
	return getJSON(client, u, out, errOut)
}

func getJSON(client *http.Client, url string, out, errOut io.Writer) int {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	return printResponse(resp, out, errOut)
}

func printResponse(resp *http.Response, out, errOut io.Writer) int {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(errOut, "request failed: %s: %s\n", resp.Status, string(body))
		return 1
	}
	_, _ = out.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return 0
}
