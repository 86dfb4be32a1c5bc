// Package main provides the sending (initiator) executable of sakewire.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jozefkovalcin/sakewire/internal/logging"
	"github.com/jozefkovalcin/sakewire/internal/metrics"
	"github.com/jozefkovalcin/sakewire/internal/record"
	"github.com/jozefkovalcin/sakewire/internal/session"
	"github.com/jozefkovalcin/sakewire/internal/transfer"
	"github.com/jozefkovalcin/sakewire/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

const (
	defaultAddress = "127.0.0.1"
	defaultPort    = 8080
	dialTimeout    = 10 * time.Second
)

func main() {
	var (
		address     string
		port        int
		fileName    string
		logLevel    string
		logFormat   string
		metricsAddr string
		rateLimit   int
	)

	rootCmd := &cobra.Command{
		Use:   "sakewire-send",
		Short: "Send a file over a password-authenticated encrypted channel",
		Long: `sakewire-send connects to a waiting receiver, authenticates both
sides with a shared password using the SAKE protocol, and streams a
file in encrypted records with periodic in-band key rotation.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(address, port, fileName, logLevel, logFormat, metricsAddr, rateLimit)
		},
	}

	rootCmd.Flags().StringVarP(&address, "address", "a", "", "receiver address (prompted if omitted)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "receiver TCP port (prompted if omitted)")
	rootCmd.Flags().StringVarP(&fileName, "file", "f", "", "file to send (prompted if omitted)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	rootCmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "payload throughput limit in bytes per second (0 = unlimited)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSend(address string, port int, fileName, logLevel, logFormat, metricsAddr string, rateLimit int) error {
	log := logging.NewLogger(logLevel, logFormat)

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				log.Error("metrics listener failed", logging.KeyError, err)
			}
		}()
	}

	wizard.PrintBanner("sakewire", "password-authenticated encrypted file transfer")

	var err error
	if address == "" {
		if address, err = wizard.AskAddress(defaultAddress); err != nil {
			return err
		}
	}
	if port == 0 {
		if port, err = wizard.AskPort(defaultPort); err != nil {
			return err
		}
	} else if err = wizard.ValidatePort(strconv.Itoa(port)); err != nil {
		return err
	}

	password, err := wizard.AskPassword("Enter password: ")
	if err != nil {
		return err
	}

	if fileName == "" {
		var files []string
		var listErr error
		files, listErr = transfer.ListFiles(".")
		if listErr != nil {
			log.Warn("could not list directory", logging.KeyError, listErr)
		} else {
			fmt.Println("Files in the current directory:")
			for _, f := range files {
				fmt.Printf("  %s\n", f)
			}
		}
		if fileName, err = wizard.AskFileName(files); err != nil {
			return err
		}
	} else if err = wizard.ValidateFileName(fileName); err != nil {
		return err
	}

	file, size, err := transfer.OpenInput(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	target := net.JoinHostPort(address, strconv.Itoa(port))
	log.Info("connecting", logging.KeyAddress, target)
	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", target, err)
	}

	sess, err := session.Initiate(conn, password, session.Config{Logger: log, Metrics: metrics.Default()})
	if err != nil {
		conn.Close()
		return err
	}
	defer sess.Close()

	opts := session.SendOptions{}
	if rateLimit > 0 {
		burst := rateLimit
		if burst < record.PayloadSize {
			burst = record.PayloadSize
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	progress := transfer.NewProgress(os.Stdout, "Sent", size)
	opts.Progress = progress.Update

	fmt.Println("Starting file transfer...")
	sent, err := sess.SendFile(fileName, file, opts)
	if err != nil {
		fmt.Println()
		return fmt.Errorf("transfer failed after %d bytes: %w", sent, err)
	}
	progress.Finish(sent)

	sess.Drain()
	return nil
}
