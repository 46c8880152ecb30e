package main

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/api/clients"
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/urfave/cli/v2"
)

var greetCommand = &cli.Command{
	Name:      "greet",
	Usage:     "greet the claimer of an invitation",
	ArgsUsage: "<token>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "claimer-email",
			Usage: "email granted to an invited user, defaults to the invited email",
		},
		&cli.StringFlag{
			Name:  "profile",
			Value: string(interfaces.ProfileStandard),
			Usage: "profile granted to an invited user: ADMIN, STANDARD or OUTSIDER",
		},
	},
	Action: func(cCtx *cli.Context) error {
		token, err := tokenArg(cCtx)
		if err != nil {
			return err
		}
		profile, err := interfaces.ParseProfile(cCtx.String("profile"))
		if err != nil {
			return err
		}
		client, err := session(cCtx)
		if err != nil {
			return err
		}
		return greet(cCtx, client, token, api.GreeterFinalizeRequest{
			ClaimerEmail:   cCtx.String("claimer-email"),
			GrantedProfile: profile,
		})
	},
}

var claimCommand = &cli.Command{
	Name:      "claim",
	Usage:     "claim an invitation from this machine",
	ArgsUsage: "<token>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "new-key",
			Required: true,
			Usage:    "key of the device being enrolled",
			EnvVars:  []string{"ENROLL_NEW_KEY"},
		},
		&cli.StringFlag{
			Name:  "device-label",
			Usage: "label of the device being enrolled",
		},
		&cli.StringSliceFlag{
			Name:  "greeter-email",
			Usage: "for recoveries, the recipients to meet in order; defaults to every recipient",
		},
	},
	Action: func(cCtx *cli.Context) error {
		token, err := tokenArg(cCtx)
		if err != nil {
			return err
		}
		return claim(cCtx, newClient(cCtx), token)
	},
}

func greet(cCtx *cli.Context, client *clients.Client, token string, grant api.GreeterFinalizeRequest) error {
	ctx := cCtx.Context
	out := cCtx.App.Writer
	in := bufio.NewScanner(cCtx.App.Reader)

	ready, err := retryTimeouts(cCtx, "the claimer", func() (api.GreeterWaitPeerReadyResponse, error) {
		return client.GreeterWaitPeerReady(ctx, token)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Claimer joined %s invitation. Read this code to them: %s\n", ready.Type, ready.GreeterSAS)

	candidates, err := retryTimeouts(cCtx, "the claimer to confirm your code", func() ([]cryptoutils.SASCode, error) {
		return client.GreeterWaitPeerTrust(ctx, token)
	})
	if err != nil {
		return err
	}

	for {
		sas, err := choose(in, cCtx, "Which code does the claimer read to you?", candidates)
		if err != nil {
			return err
		}
		err = client.GreeterCheckTrust(ctx, token, sas)
		if errors.Is(err, interfaces.ErrBadClaimerSAS) {
			fmt.Fprintln(out, "That is not the claimer's code, try again.")
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	if ready.Type != interfaces.InvitationTypeUser {
		grant = api.GreeterFinalizeRequest{}
	}
	_, err = retryTimeouts(cCtx, "the claimer to finalize", func() (struct{}, error) {
		return struct{}{}, client.GreeterFinalize(ctx, token, grant)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Greeting complete.")
	return nil
}

func claim(cCtx *cli.Context, client *clients.Client, token string) error {
	ctx := cCtx.Context
	out := cCtx.App.Writer
	in := bufio.NewScanner(cCtx.App.Reader)

	info, err := client.ClaimerRetrieveInfo(ctx, token)
	if err != nil {
		return err
	}

	recovery := info.Type == interfaces.InvitationTypeShamirRecovery
	var greeters []string
	if recovery {
		greeters = cCtx.StringSlice("greeter-email")
		if len(greeters) == 0 {
			for _, r := range info.Recipients {
				if !r.Retrieved {
					greeters = append(greeters, r.Email)
				}
			}
		}
		fmt.Fprintf(out, "Recovering access: weight %d of the recipients' shares is needed.\n", info.Threshold)
	} else {
		fmt.Fprintf(out, "Invited to a %s enrollment by %s.\n", info.Type, info.GreeterEmail)
	}

	for {
		greeterEmail := ""
		if recovery {
			if len(greeters) == 0 {
				return interfaces.ErrNotEnoughShares
			}
			greeterEmail, greeters = greeters[0], greeters[1:]
			fmt.Fprintf(out, "Meeting %s.\n", greeterEmail)
		}

		enough, err := claimerHandshake(cCtx, in, client, token, greeterEmail)
		if err != nil {
			return err
		}
		if !recovery || enough {
			break
		}
		fmt.Fprintln(out, "Not enough shares yet, another recipient is needed.")
	}

	key, label := cCtx.String("new-key"), cCtx.String("device-label")
	_, err = retryTimeouts(cCtx, "the greeter to finalize", func() (struct{}, error) {
		return struct{}{}, client.ClaimerFinalize(ctx, token, key, label)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Enrollment complete, you can now log in with the new key.")
	return nil
}

// claimerHandshake runs steps 1 to 3 with one greeter and reports whether a
// recovery collected enough shares.
func claimerHandshake(cCtx *cli.Context, in *bufio.Scanner, client *clients.Client, token, greeterEmail string) (bool, error) {
	ctx := cCtx.Context
	out := cCtx.App.Writer

	candidates, err := retryTimeouts(cCtx, "the greeter", func() ([]cryptoutils.SASCode, error) {
		return client.ClaimerWaitPeerReady(ctx, token, greeterEmail)
	})
	if err != nil {
		return false, err
	}

	var claimerSAS cryptoutils.SASCode
	for {
		sas, err := choose(in, cCtx, "Which code does the greeter read to you?", candidates)
		if err != nil {
			return false, err
		}
		claimerSAS, err = client.ClaimerCheckTrust(ctx, token, sas)
		if errors.Is(err, interfaces.ErrBadGreeterSAS) {
			fmt.Fprintln(out, "That is not the greeter's code, try again.")
			continue
		}
		if err != nil {
			return false, err
		}
		break
	}
	fmt.Fprintf(out, "Read this code to the greeter: %s\n", claimerSAS)

	trust, err := retryTimeouts(cCtx, "the greeter to confirm your code", func() (api.ClaimerWaitPeerTrustResponse, error) {
		return client.ClaimerWaitPeerTrust(ctx, token)
	})
	if err != nil {
		return false, err
	}
	return trust.EnoughShares != nil && *trust.EnoughShares, nil
}

// choose lists the candidates and reads either a list number or the code
// itself.
func choose(in *bufio.Scanner, cCtx *cli.Context, prompt string, candidates []cryptoutils.SASCode) (cryptoutils.SASCode, error) {
	out := cCtx.App.Writer
	for {
		fmt.Fprintln(out, prompt)
		for i, c := range candidates {
			fmt.Fprintf(out, "  %d) %s\n", i+1, c)
		}
		fmt.Fprint(out, "> ")

		if !in.Scan() {
			if err := in.Err(); err != nil {
				return "", err
			}
			return "", errors.New("no answer given")
		}
		answer := strings.TrimSpace(in.Text())

		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(candidates) {
			return candidates[n-1], nil
		}
		for _, c := range candidates {
			if c.Equal(cryptoutils.SASCode(strings.ToUpper(answer))) {
				return c, nil
			}
		}
		fmt.Fprintln(out, "Pick one of the listed codes.")
	}
}

// parseRecipients reads "email" or "email:weight" entries; the weight
// defaults to 1.
func parseRecipients(values []string) ([]interfaces.Recipient, error) {
	recipients := make([]interfaces.Recipient, 0, len(values))
	for _, v := range values {
		email, weight, found := strings.Cut(v, ":")
		r := interfaces.Recipient{Email: strings.TrimSpace(email), Weight: 1}
		if found {
			w, err := strconv.Atoi(weight)
			if err != nil {
				return nil, fmt.Errorf("invalid weight in recipient %q: %w", v, err)
			}
			r.Weight = w
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}
