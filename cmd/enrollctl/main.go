package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/enrollment-gateway/api/clients"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/urfave/cli/v2"
)

var flagGatewayURL = &cli.StringFlag{
	Name:    "url",
	Value:   "http://127.0.0.1:8080",
	Usage:   "enrollment gateway base URL",
	EnvVars: []string{"ENROLL_URL"},
}
var flagEmail = &cli.StringFlag{
	Name:    "email",
	Usage:   "member email to log in with",
	EnvVars: []string{"ENROLL_EMAIL"},
}
var flagKey = &cli.StringFlag{
	Name:    "key",
	Usage:   "device key to log in with",
	EnvVars: []string{"ENROLL_KEY"},
}
var flagSessionToken = &cli.StringFlag{
	Name:    "session",
	Usage:   "session token from 'login', used instead of email and key",
	EnvVars: []string{"ENROLL_SESSION"},
}
var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 0,
	Usage: "per request timeout, 0 leaves waiting steps to the server's limit",
}

func main() {
	app := &cli.App{
		Name:  "enrollctl",
		Usage: "Manage invitations and run greeter/claimer handshakes",
		Flags: []cli.Flag{
			flagGatewayURL,
			flagEmail,
			flagKey,
			flagSessionToken,
			flagTimeout,
		},
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "print a session token for --email and --key",
				Action: func(cCtx *cli.Context) error {
					client, err := session(cCtx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, client.Token())
					return nil
				},
			},
			{
				Name:  "humans",
				Usage: "list the members of the organization",
				Action: func(cCtx *cli.Context) error {
					client, err := session(cCtx)
					if err != nil {
						return err
					}
					humans, err := client.Humans(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(cCtx, humans)
				},
			},
			invitationsCommand,
			shamirCommand,
			greetCommand,
			claimCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var invitationsCommand = &cli.Command{
	Name:  "invitations",
	Usage: "list, create and delete invitations",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list the invitations you can greet",
			Action: func(cCtx *cli.Context) error {
				client, err := session(cCtx)
				if err != nil {
					return err
				}
				resp, err := client.ListInvitations(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, resp)
			},
		},
		{
			Name:  "create",
			Usage: "create an invitation and print its token",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "type",
					Value: string(interfaces.InvitationTypeDevice),
					Usage: "user, device or shamir_recovery",
				},
				&cli.StringFlag{
					Name:  "claimer-email",
					Usage: "email of the invited user or of the member to recover",
				},
			},
			Action: func(cCtx *cli.Context) error {
				typ, err := interfaces.ParseInvitationType(cCtx.String("type"))
				if err != nil {
					return err
				}
				client, err := session(cCtx)
				if err != nil {
					return err
				}
				token, err := client.CreateInvitation(cCtx.Context, typ, cCtx.String("claimer-email"))
				if err != nil {
					return err
				}
				fmt.Fprintln(cCtx.App.Writer, token)
				return nil
			},
		},
		{
			Name:      "delete",
			Usage:     "cancel an invitation",
			ArgsUsage: "<token>",
			Action: func(cCtx *cli.Context) error {
				token, err := tokenArg(cCtx)
				if err != nil {
					return err
				}
				client, err := session(cCtx)
				if err != nil {
					return err
				}
				return client.DeleteInvitation(cCtx.Context, token)
			},
		},
	},
}

var shamirCommand = &cli.Command{
	Name:  "shamir",
	Usage: "manage your Shamir recovery setup",
	Subcommands: []*cli.Command{
		{
			Name:  "setup",
			Usage: "split your recovery secret between recipients, replacing any previous setup",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:     "threshold",
					Required: true,
					Usage:    "total weight needed to recover",
				},
				&cli.StringSliceFlag{
					Name:     "recipient",
					Required: true,
					Usage:    "recipient as email or email:weight, repeatable",
				},
			},
			Action: func(cCtx *cli.Context) error {
				recipients, err := parseRecipients(cCtx.StringSlice("recipient"))
				if err != nil {
					return err
				}
				client, err := session(cCtx)
				if err != nil {
					return err
				}
				return client.SetupShamir(cCtx.Context, cCtx.Int("threshold"), recipients)
			},
		},
		{
			Name:  "show",
			Usage: "show your current setup",
			Action: func(cCtx *cli.Context) error {
				client, err := session(cCtx)
				if err != nil {
					return err
				}
				setup, err := client.ShamirSetup(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, setup)
			},
		},
		{
			Name:  "delete",
			Usage: "remove your setup",
			Action: func(cCtx *cli.Context) error {
				client, err := session(cCtx)
				if err != nil {
					return err
				}
				return client.DeleteShamirSetup(cCtx.Context)
			},
		},
		{
			Name:  "others",
			Usage: "list the setups you hold shares of",
			Action: func(cCtx *cli.Context) error {
				client, err := session(cCtx)
				if err != nil {
					return err
				}
				others, err := client.OtherShamirSetups(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, others)
			},
		},
	},
}

func newClient(cCtx *cli.Context) *clients.Client {
	if timeout := cCtx.Duration(flagTimeout.Name); timeout > 0 {
		return clients.NewClient(cCtx.String(flagGatewayURL.Name), timeout)
	}
	return clients.NewClient(cCtx.String(flagGatewayURL.Name))
}

// session returns a client carrying a session token, logging in when no
// token was given.
func session(cCtx *cli.Context) (*clients.Client, error) {
	client := newClient(cCtx)
	if token := cCtx.String(flagSessionToken.Name); token != "" {
		client.SetToken(token)
		return client, nil
	}

	email, key := cCtx.String(flagEmail.Name), cCtx.String(flagKey.Name)
	if email == "" || key == "" {
		return nil, errors.New("--email and --key, or --session, are required")
	}
	if err := client.Login(cCtx.Context, email, key); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return client, nil
}

func tokenArg(cCtx *cli.Context) (string, error) {
	if cCtx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one invitation token, got %d arguments", cCtx.NArg())
	}
	return cCtx.Args().First(), nil
}

func printJSON(cCtx *cli.Context, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, string(out))
	return nil
}

// retryTimeouts repeats a waiting step while the server reports that the
// peer has not shown up yet.
func retryTimeouts[T any](cCtx *cli.Context, what string, call func() (T, error)) (T, error) {
	for {
		v, err := call()
		if !errors.Is(err, interfaces.ErrTimeout) {
			return v, err
		}
		fmt.Fprintf(cCtx.App.ErrWriter, "still waiting for %s...\n", what)
		select {
		case <-cCtx.Context.Done():
			return v, cCtx.Context.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
