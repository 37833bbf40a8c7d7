package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sbtgate/cmd/internal/passphrase"
	"sbtgate/crypto"
	"sbtgate/services/credentiald/server"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage() string {
	return strings.Join([]string{
		"Usage: credctl [-profile path] <command> [args]",
		"",
		"Commands:",
		"  keygen [-force]                       create the operator keystore",
		"  address                               print the operator identity",
		"  service-token -subject <sbt1...>      issue a bearer token for a service identity",
		"  call [-unsigned] <method> [params]    invoke a credentiald RPC method",
	}, "\n")
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("credctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	profilePath := global.String("profile", defaultProfilePath(), "path to the credctl profile")
	if err := global.Parse(args); err != nil {
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	profile, err := loadProfile(*profilePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch rest[0] {
	case "keygen":
		return runKeygen(profile, rest[1:], stdout, stderr)
	case "address":
		return runAddress(profile, stdout, stderr)
	case "service-token":
		return runServiceToken(profile, rest[1:], stdout, stderr)
	case "call":
		return runCall(profile, rest[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runKeygen(profile *Profile, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(profile.Keystore); err == nil && !*force {
		fmt.Fprintf(stderr, "Error: keystore %s already exists (use -force to replace)\n", profile.Keystore)
		return 1
	}
	pass, err := passphrase.NewSource(profile.PassphraseEnv).Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(profile.Keystore, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: save keystore: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Keystore written to %s\n", profile.Keystore)
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func loadOperatorKey(profile *Profile) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(profile.PassphraseEnv).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(profile.Keystore, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", profile.Keystore, err)
	}
	return key, nil
}

func runAddress(profile *Profile, stdout, stderr io.Writer) int {
	key, err := loadOperatorKey(profile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runServiceToken(profile *Profile, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("service-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "bech32 identity the token authenticates as")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := crypto.DecodeIdentity(strings.TrimSpace(*subject))
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid subject: %v\n", err)
		return 1
	}
	secret := strings.TrimSpace(os.Getenv(profile.JWTSecretEnv))
	if secret == "" {
		fmt.Fprintf(stderr, "Error: %s must hold the shared JWT secret\n", profile.JWTSecretEnv)
		return 1
	}
	token, err := server.IssueServiceToken(secret, profile.JWTIssuer, profile.JWTAudience, id, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runCall(profile *Profile, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	unsigned := fs.Bool("unsigned", false, "send without a request signature")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(stderr, "Usage: credctl call [-unsigned] <method> [params-json]")
		return 1
	}
	method := fs.Arg(0)
	params, err := parseParams(fs.Arg(1))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var key *crypto.PrivateKey
	if !*unsigned {
		key, err = loadOperatorKey(profile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	result, err := callRPC(ctx, profile.RPCURL, key, method, params)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}
