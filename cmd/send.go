package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/msrpd/client"
	"github.com/luma/msrpd/internal/env"
	"github.com/luma/msrpd/session"
)

var (
	contentType string
	sendTimeout time.Duration
	waitReport  bool
)

func init() {
	flags := SendCmd.Flags()

	flags.StringVarP(&contentType, "content-type", "t", "text/plain", "Content-Type of the message")
	flags.DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for the response and report")
	flags.BoolVar(&waitReport, "report", true, "Wait for the success report")
}

var SendCmd = &cobra.Command{
	Use:   "send <to-path> [file]",
	Short: "Send a single message to an MSRP endpoint",
	Long: `Send a single message to an MSRP endpoint

The message body is read from file, or from stdin when no file is given.

Usage
	msrpd send msrp://relay.example.com:2855/abcd1234;tcp hello.txt

`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := env.LoadConfig(context.Background())
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.Debug)
		if err != nil {
			return err
		}

		body, err := readBody(args[1:])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		stack := session.NewStack(session.Options{
			Host:        "127.0.0.1",
			Granularity: conf.TriggerGranularity,
			Log:         log.Named("stack"),
		})

		conn := client.New(stack, log.Named("client"))
		if err := conn.Connect(ctx, args[0]); err != nil {
			return err
		}
		defer conn.Disconnect()

		messageID, err := conn.Send(ctx, contentType, body)
		if err != nil {
			return fmt.Errorf("Failed to send %s: %w", messageID, err)
		}

		log.Info("Message sent", zap.String("messageID", messageID), zap.Int("size", len(body)))

		if waitReport {
			status, err := conn.WaitReport(ctx, messageID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", messageID, status)
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), messageID)
		return nil
	},
}

func readBody(args []string) ([]byte, error) {
	if len(args) == 0 {
		return io.ReadAll(os.Stdin)
	}

	return os.ReadFile(args[0])
}
