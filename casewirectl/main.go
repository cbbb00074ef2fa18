package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"casewire.io/casewire"
)

const CasewireCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Casewire control.

The default url is:
    api_url: https://api.casewire.io

Usage:
    casewirectl login [--api_url=<api_url>]
        --user=<user>
        [--password=<password>]
    casewirectl whoami --jwt=<jwt>
    casewirectl watch [--api_url=<api_url>] --jwt=<jwt>
        [--root=<root_id>]
        [--type=<object_type>]
        [--ws_url=<ws_url>]
    casewirectl search [--api_url=<api_url>] --jwt=<jwt>
        --type=<object_type>
        [--query=<query>]
        [--page=<page>]
        [--page_size=<page_size>]
        [--sort=<sort>...]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --user=<user>              Your login.
    --password=<password>      Prompted when omitted.
    --jwt=<jwt>                Your session JWT.
    --root=<root_id>           Watch a single root (e.g. one case). [default: any]
    --type=<object_type>       Watch or search a single object type. [default: any]
    --ws_url=<ws_url>          Use the websocket stream transport.
    --query=<query>            Free-text query.
    --page=<page>              Result page. [default: 1]
    --page_size=<page_size>    Page size. [default: 10]
    --sort=<sort>              Sort specifier, +/- prefixed.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CasewireCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if search_, _ := opts.Bool("search"); search_ {
		search(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return "https://api.casewire.io"
}

// log in and print the session jwt
func login(opts docopt.Opts) {
	user, _ := opts.String("--user")

	password, err := opts.String("--password")
	if err != nil || password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Printf("Could not read password (%s).\n", err)
			os.Exit(1)
		}
		password = string(passwordBytes)
	}

	api := casewire.NewCasewireApi(apiUrl(opts))
	defer api.Close()

	result, err := api.LoginSync(&casewire.LoginArgs{
		User:     user,
		Password: password,
	})
	if err != nil {
		Err.Printf("Login failed (%s).\n", err)
		os.Exit(1)
	}

	Out.Printf("%s", result.Token)
}

// print the claims of the session jwt
func whoami(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(jwt, claims); err != nil {
		Err.Printf("Invalid JWT (%s).\n", err)
		os.Exit(1)
	}

	claimsJson, _ := json.MarshalIndent(claims, "", "  ")
	Out.Printf("%s", claimsJson)
}

// tail the change stream, one event per line
func watch(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	rootId, _ := opts.String("--root")
	objectType, _ := opts.String("--type")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := casewire.NewCasewireApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	api.SetSessionJwt(jwt)

	if expiresAt, err := api.SessionExpiresAt(); err == nil {
		Err.Printf("Session expires %s.\n", expiresAt.Format(time.RFC3339))
	}

	sink := &printSink{}
	settings := casewire.DefaultStreamClientSettings()
	client := casewire.NewStreamClient(cancelCtx, api, sink, settings)
	defer client.Close()

	unsub := client.AddListener(rootId, objectType, func(events []casewire.ChangeEvent) {
		for _, event := range events {
			eventJson, _ := json.Marshal(event)
			Out.Printf("%s", eventJson)
		}
	})
	defer unsub()

	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		stream := casewire.NewWebSocketStreamWithDefaults(cancelCtx, client, wsUrl, jwt)
		defer stream.Close()
	} else {
		client.Init()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	client.CancelPoll()
}

// run one paged query and print the result entities
func search(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	objectType, _ := opts.String("--type")
	query, _ := opts.String("--query")
	page, _ := opts.Int("--page")
	pageSize, _ := opts.Int("--page_size")
	sort, _ := opts["--sort"].([]string)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := casewire.NewCasewireApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	api.SetSessionJwt(jwt)

	var filter *casewire.Filter
	if query != "" {
		filter = casewire.FreeTextFilter(query)
	}

	data, total, err := api.SearchSync(
		cancelCtx,
		filter,
		objectType,
		casewire.PageRange(page, pageSize),
		sort,
		0,
		false,
	)
	if err != nil {
		Err.Printf("Search failed (%s).\n", err)
		os.Exit(1)
	}

	Err.Printf("%d of %d\n", len(data), total)
	for _, entity := range data {
		Out.Printf("%s", entity)
	}
}

type printSink struct{}

func (self *printSink) Error(source string, data any, status int) {
	Err.Printf("%s: %v (%d)\n", source, data, status)
}

func (self *printSink) Log(source string, message string) {
	Err.Printf("%s: %s\n", source, message)
}
