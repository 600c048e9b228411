package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ollehd/internal/client"
	"ollehd/internal/crypto"
)

func pingCmd() *cobra.Command {
	var (
		login     string
		pass      string
		curve     string
		payload   string
		count     int
		timeout   time.Duration
		multicast bool
		debug     bool
	)
	cmd := &cobra.Command{
		Use:   "ping ADDR",
		Short: "Run HELLO and AUTH, then COUNT DATA rounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			name, err := crypto.CanonicalCurve(curve)
			if err != nil {
				return err
			}
			key, err := crypto.GenerateKeyPair(name)
			if err != nil {
				return err
			}
			conn, err := client.Dial(args[0])
			if err != nil {
				return err
			}
			defer conn.Close()
			conn.SetTimeout(timeout)
			conn.Debug(debug)

			ctx := cmd.Context()
			h := client.NewHelloClient(conn, key)
			start := time.Now()
			res, err := h.Hello(ctx)
			if err != nil {
				return errors.Wrapf(err, "hello (%s)", h.State())
			}
			fmt.Fprintf(out, "olleh from %s: key %s login=%v pass=%v static=%v (%s)\n",
				conn.RemoteAddr(), res.ServerKey, res.NeedLogin, res.NeedPass, res.Static, time.Since(start).Round(time.Microsecond))

			a := client.NewAuthClient(conn, h)
			a.Multicast = multicast
			start = time.Now()
			sess, err := a.Auth(ctx, login, pass)
			if err != nil {
				return errors.Wrap(err, "auth")
			}
			defer sess.Close()
			fmt.Fprintf(out, "htua: session %s (%s)\n", sess.Salt(), time.Since(start).Round(time.Microsecond))

			d := client.NewDataClient(conn, sess)
			for i := 0; i < count; i++ {
				start = time.Now()
				reply, err := d.Exchange(ctx, []byte(payload))
				if err != nil {
					return errors.Wrapf(err, "data round %d", i+1)
				}
				fmt.Fprintf(out, "salt %s: %q (%s)\n", sess.Salt(), reply, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&login, "login", "l", "", "login")
	f.StringVarP(&pass, "pass", "p", "", "password")
	f.StringVar(&curve, "curve", crypto.DefaultCurve, "named curve for the client key")
	f.StringVar(&payload, "payload", "hello\x00", "DATA payload")
	f.IntVarP(&count, "count", "n", 1, "number of DATA rounds")
	f.DurationVarP(&timeout, "timeout", "t", client.DefaultTimeout, "per-phase timeout")
	f.BoolVar(&multicast, "multicast", false, "authenticate with MULTICAST_AUTH")
	f.BoolVar(&debug, "debug", false, "debug logging")
	return cmd
}
