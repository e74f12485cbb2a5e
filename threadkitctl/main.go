package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/usethreadkit/threadkit/threadkit"
)

const ThreadKitCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `ThreadKit control.

Usage:
    threadkitctl snapshot --api_url=<api_url> --site=<site_id> --page_url=<page_url>
        [--token=<token>]
    threadkitctl tail --api_url=<api_url> --connect_url=<connect_url>
        --site=<site_id> --page_url=<page_url>
        [--token=<token>]
    threadkitctl post --api_url=<api_url> --site=<site_id> --page_url=<page_url>
        [--token=<token>] [--parent=<parent_id>] <message>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --site=<site_id>           Site id the thread belongs to.
    --page_url=<page_url>      Page url that identifies the thread.
    --token=<token>            Auth token. Prompted when not given.
    --parent=<parent_id>       Reply to this comment.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ThreadKitCtlVersion)
	if err != nil {
		panic(err)
	}

	if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if post_, _ := opts.Bool("post"); post_ {
		post(opts)
	}
}

func snapshot(opts docopt.Opts) {
	ctx := context.Background()

	apiUrl := opts["--api_url"].(string)
	siteId := opts["--site"].(string)
	pageUrl := opts["--page_url"].(string)
	tokenProvider := threadkit.StaticTokenProvider(token(opts))

	result, err := threadkit.FetchSnapshot(ctx, apiUrl, siteId, pageUrl, tokenProvider, 15*time.Second)
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		panic(fmt.Errorf("%s", result.Error.Message))
	}

	settings := threadkit.DefaultThreadClientSettings(apiUrl, "", siteId, pageUrl, tokenProvider)
	client, err := threadkit.NewThreadClient(ctx, result.Comments, settings)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	printTree(client, "")
	Out.Printf("%d viewers", result.Presence)
}

func printTree(client *threadkit.ThreadClient, id string) {
	for _, node := range client.OrderedChildren(id) {
		indent := strings.Repeat("  ", client.VisualDepth(node.Id))
		body := node.Body
		if node.Deleted {
			body = "[deleted]"
		}
		Out.Printf("%s%s (%s, %+d): %s", indent, node.Id, node.DisplayName, node.Score(), body)
		printTree(client, node.Id)
	}
}

func tail(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiUrl := opts["--api_url"].(string)
	connectUrl := opts["--connect_url"].(string)
	siteId := opts["--site"].(string)
	pageUrl := opts["--page_url"].(string)
	tokenProvider := threadkit.StaticTokenProvider(token(opts))

	result, err := threadkit.FetchSnapshot(ctx, apiUrl, siteId, pageUrl, tokenProvider, 15*time.Second)
	if err != nil {
		panic(err)
	}

	settings := threadkit.DefaultThreadClientSettings(apiUrl, connectUrl, siteId, pageUrl, tokenProvider)
	client, err := threadkit.NewThreadClient(ctx, result.Comments, settings)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	client.AddConnectionStateListener(func(state threadkit.ConnectionState) {
		Out.Printf("connection %s", state)
	})
	client.AddStateChangeListener(func(event *threadkit.StateChangeEvent) {
		if node := client.Get(event.CommentId); node != nil {
			Out.Printf("%s %s (%s): %s", event.Kind, node.Id, node.DisplayName, node.Body)
		} else {
			Out.Printf("%s %s", event.Kind, event.CommentId)
		}
	})
	client.AddErrorListener(func(err *threadkit.Error) {
		Err.Printf("error %s", err)
	})
	client.AddEphemeralChangeListener(func() {
		names := []string{}
		for _, entry := range client.Typing() {
			names = append(names, entry.DisplayName)
		}
		Out.Printf("%d viewers, typing: %s", client.Presence(), strings.Join(names, ", "))
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
}

func post(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiUrl := opts["--api_url"].(string)
	siteId := opts["--site"].(string)
	pageUrl := opts["--page_url"].(string)
	message := opts["<message>"].(string)
	var parentId string
	if parentAny := opts["--parent"]; parentAny != nil {
		parentId = parentAny.(string)
	}
	tokenProvider := threadkit.StaticTokenProvider(token(opts))

	result, err := threadkit.FetchSnapshot(ctx, apiUrl, siteId, pageUrl, tokenProvider, 15*time.Second)
	if err != nil {
		panic(err)
	}

	settings := threadkit.DefaultThreadClientSettings(apiUrl, "", siteId, pageUrl, tokenProvider)
	client, err := threadkit.NewThreadClient(ctx, result.Comments, settings)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	confirmed := make(chan string, 1)
	failed := make(chan error, 1)
	client.AddStateChangeListener(func(event *threadkit.StateChangeEvent) {
		if event.Kind != threadkit.StateChangeEdited {
			return
		}
		if node := client.Get(event.CommentId); node != nil && !node.Pending {
			select {
			case confirmed <- node.Id:
			default:
			}
		}
	})
	client.AddErrorListener(func(err *threadkit.Error) {
		select {
		case failed <- err:
		default:
		}
	})

	tempId, err := client.Post(message, parentId)
	if err != nil {
		panic(err)
	}
	Out.Printf("pending %s", tempId)

	select {
	case id := <-confirmed:
		Out.Printf("confirmed %s", id)
	case err := <-failed:
		panic(err)
	case <-time.After(15 * time.Second):
		panic(fmt.Errorf("Timeout waiting for confirmation."))
	}
}

func token(opts docopt.Opts) string {
	if tokenAny := opts["--token"]; tokenAny != nil {
		return tokenAny.(string)
	}
	fmt.Print("Enter token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(tokenBytes)
}
