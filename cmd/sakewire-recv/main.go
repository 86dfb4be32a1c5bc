// Package main provides the receiving (responder) executable of sakewire.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jozefkovalcin/sakewire/internal/logging"
	"github.com/jozefkovalcin/sakewire/internal/metrics"
	"github.com/jozefkovalcin/sakewire/internal/session"
	"github.com/jozefkovalcin/sakewire/internal/transfer"
	"github.com/jozefkovalcin/sakewire/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

const defaultPort = 8080

func main() {
	var (
		port        int
		outDir      string
		logLevel    string
		logFormat   string
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:   "sakewire-recv",
		Short: "Receive a file over a password-authenticated encrypted channel",
		Long: `sakewire-recv listens for a single sender, authenticates both sides
with a shared password using the SAKE protocol, and writes the received
file to the output directory with a "received_" prefix.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecv(port, outDir, logLevel, logFormat, metricsAddr)
		},
	}

	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (prompted if omitted)")
	rootCmd.Flags().StringVarP(&outDir, "dir", "d", ".", "directory for received files")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runRecv(port int, outDir, logLevel, logFormat, metricsAddr string) error {
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
	if port == 0 {
		if port, err = wizard.AskPort(defaultPort); err != nil {
			return err
		}
	} else if err = wizard.ValidatePort(strconv.Itoa(port)); err != nil {
		return err
	}

	password, err := wizard.AskPassword("Enter password for decryption: ")
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	fmt.Println("Waiting for sender connection...")
	conn, err := listener.Accept()
	listener.Close()
	if err != nil {
		return fmt.Errorf("accept connection: %w", err)
	}
	log.Info("connection accepted", logging.KeyRemoteAddr, conn.RemoteAddr().String())

	sess, err := session.Respond(conn, password, session.Config{Logger: log, Metrics: metrics.Default()})
	if err != nil {
		conn.Close()
		return err
	}
	defer sess.Close()

	progress := transfer.NewProgress(os.Stdout, "Received", 0)
	name, total, err := sess.ReceiveFile(func(name string) (io.WriteCloser, error) {
		fmt.Printf("Receiving %q -> %q\n", name, transfer.ReceivedName(name))
		return transfer.CreateOutput(outDir, name)
	}, progress.Update)
	if err != nil {
		fmt.Println()
		return fmt.Errorf("transfer failed after %d bytes: %w", total, err)
	}
	progress.Finish(total)
	log.Info("file written", logging.KeyFile, transfer.ReceivedName(name), logging.KeyBytes, total)

	sess.Drain()
	return nil
}
