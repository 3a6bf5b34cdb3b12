package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/lanchat/internal/config"
	"github.com/rudransh-shrivastava/lanchat/internal/engine"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

var (
	flagUserID            string
	flagBroadcastInterval float64
	flagDownloadsDir      string
	flagHistoryDB         string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the chat node",
	Long:  `runs the lanchat node: discovery, messaging and the file receiver, plus an interactive console`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagUserID == "" {
			return fmt.Errorf("--user-id is required")
		}
		if len(flagUserID) > protocol.UserIDSize {
			return fmt.Errorf("--user-id must be at most %d bytes", protocol.UserIDSize)
		}

		log := logger.NewLogger()

		cfg := config.Default().FromEnv()
		cfg.UserID = flagUserID
		cfg.DownloadsDir = flagDownloadsDir
		cfg.HistoryDB = flagHistoryDB
		if flagBroadcastInterval > 0 {
			cfg.BroadcastInterval = time.Duration(flagBroadcastInterval * float64(time.Second))
		}

		eng, err := engine.New(cfg, log)
		if err != nil {
			return err
		}
		eng.Start()
		defer eng.Stop()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		done := make(chan struct{})
		go func() {
			console(eng)
			close(done)
		}()

		select {
		case <-sigChan:
			log.Info("Shutting down node...")
		case <-done:
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&flagUserID, "user-id", "", "node identity, at most 20 bytes")
	runCmd.Flags().Float64Var(&flagBroadcastInterval, "broadcast-interval", 0, "seconds between discovery probes (default 1)")
	runCmd.Flags().StringVar(&flagDownloadsDir, "downloads-dir", "downloads", "directory received files are written to")
	runCmd.Flags().StringVar(&flagHistoryDB, "history-db", "", "store history in a sqlite database at this path instead of the JSON log")
}

func console(eng *engine.Engine) {
	fmt.Printf("lanchat %s on %s — commands: peers, send <id> <text>, sendall <text>, sendfile <id> <path>, history <id>, discover, quit\n",
		eng.UserID(), eng.LocalIP())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "peers":
			printPeers(eng)
		case "send":
			id, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: send <id> <text>")
				continue
			}
			if err := eng.Messaging().Send(protocol.NewUserID(id), text); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "sendall":
			if rest == "" {
				fmt.Println("usage: sendall <text>")
				continue
			}
			eng.Messaging().Broadcast(rest)
		case "sendfile":
			id, path, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: sendfile <id> <path>")
				continue
			}
			sendFile(eng, id, path)
		case "history":
			printHistory(eng, rest)
		case "discover":
			eng.Discovery().ForceDiscover()
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func printPeers(eng *engine.Engine) {
	now := time.Now()
	peers := eng.Discovery().GetPeers()
	if len(peers) == 0 {
		fmt.Println("no peers discovered yet")
		return
	}
	for id, info := range peers {
		state := "offline"
		if info.Online(now) {
			state = "online"
		}
		fmt.Printf("%-20s %-15s %s (seen %s ago)\n", id, info.IP, state, now.Sub(info.LastSeen).Round(time.Second))
	}
}

func sendFile(eng *engine.Engine, id, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("reading %s: %v\n", path, err)
		return
	}

	bar := progressbar.DefaultBytes(int64(len(data)), "sending")
	eng.Messaging().OnFileProgress = func(sent, total int64) {
		_ = bar.Set64(sent)
	}
	defer func() { eng.Messaging().OnFileProgress = nil }()

	if err := eng.Messaging().SendFile(protocol.NewUserID(id), data, filepath.Base(path)); err != nil {
		fmt.Printf("\ntransfer failed: %v\n", err)
		return
	}
	_ = bar.Finish()
	fmt.Println()
}

func printHistory(eng *engine.Engine, peer string) {
	if peer == "" {
		peer = store.GlobalRecipient
	}
	entries, err := eng.History().GetConversation(eng.UserID().String(), peer)
	if err != nil {
		fmt.Printf("history: %v\n", err)
		return
	}
	for _, e := range entries {
		ts := e.Timestamp.Local().Format("15:04:05")
		if e.Type == store.EntryFile {
			fmt.Printf("[%s] %s -> %s: sent file %s (%d bytes)\n", ts, e.Sender, e.Recipient, e.Filename, e.Size)
			continue
		}
		fmt.Printf("[%s] %s -> %s: %s\n", ts, e.Sender, e.Recipient, e.Message)
	}
}
