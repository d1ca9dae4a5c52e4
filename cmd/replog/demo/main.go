package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/manager"
	"replicated-log/internal/replog/metrics"
	"replicated-log/internal/replog/storage"
	"replicated-log/internal/replog/transport"
)

type node struct {
	id        replog.ParticipantID
	store     *storage.BoltLogStore
	transport *transport.GRPCTransport
	server    *transport.Server
	manager   *manager.LogManager
	metrics   *metrics.Metrics
}

func main() {
	size := flag.Int("nodes", 3, "Number of participants")
	entries := flag.Int("entries", 20, "Entries to append per leader")
	dataDir := flag.String("data", "", "Directory for the bbolt files (a temp dir if empty)")
	reportPath := flag.String("report", "", "Write the leader's metrics report as JSON to this file")
	verbose := flag.Bool("verbose", false, "Enable development logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "replog-demo-")
		if err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	fmt.Println("========================================")
	fmt.Println("Replicated Log Demo")
	fmt.Println("========================================")
	fmt.Println()

	nodes, err := startCluster(*size, dir, logger)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer stopCluster(nodes)

	// Phase 1: the first participant leads term 1
	first := nodes[0]
	if err := lead(first, nodes, 1, *entries); err != nil {
		log.Fatalf("Term 1 failed: %v", err)
	}
	printStatus(nodes)

	// Phase 2: another participant takes over with a higher term. Its first request makes the old leader step down.
	if len(nodes) > 1 {
		second := nodes[1]
		if err := lead(second, nodes, 2, *entries); err != nil {
			log.Fatalf("Term 2 failed: %v", err)
		}
		waitForConvergence(nodes, 5*time.Second)
		printStatus(nodes)
		first = second
	}

	report := first.metrics.GetReport(first.id, len(nodes))
	report.PrintReport()
	if *reportPath != "" {
		if err := report.SaveJSON(*reportPath); err != nil {
			log.Fatalf("Failed to save report: %v", err)
		}
		fmt.Printf("Report written to %s\n", *reportPath)
	}
}

func startCluster(size int, dir string, logger *zap.Logger) ([]*node, error) {
	nodes := make([]*node, 0, size)
	addrs := make(map[replog.ParticipantID]string, size)

	for i := 0; i < size; i++ {
		id := replog.NewParticipantID()

		store, err := storage.NewBoltLogStore(filepath.Join(dir, fmt.Sprintf("node-%d.db", i+1)))
		if err != nil {
			return nodes, err
		}

		m := metrics.NewMetrics()
		cfg := replog.DefaultConfig()
		cfg.Logger = logger.With(zap.String("participant", string(id)))
		cfg.Metrics = m

		tr, err := transport.NewGRPCTransport(nil, cfg)
		if err != nil {
			_ = store.Close()
			return nodes, err
		}

		mgr, err := manager.NewLogManager(manager.Options{ID: id, Store: store, Transport: tr, Config: cfg})
		if err != nil {
			_ = store.Close()
			return nodes, err
		}

		srv := transport.NewServer(mgr, cfg.Logger)
		lis, err := srv.Listen("127.0.0.1:0")
		if err != nil {
			_ = store.Close()
			return nodes, err
		}
		go func() {
			if err := srv.Serve(lis); err != nil {
				logger.Warn("[DEMO] server stopped", zap.Error(err))
			}
		}()

		mgr.Start()
		n := &node{id: id, store: store, transport: tr, server: srv, manager: mgr, metrics: m}
		nodes = append(nodes, n)
		addrs[id] = lis.Addr().String()

		fmt.Printf("Participant %d: %s on %s\n", i+1, id, lis.Addr())
	}
	fmt.Println()

	for _, n := range nodes {
		for id, addr := range addrs {
			if id == n.id {
				continue
			}
			if err := n.transport.AddPeer(id, addr); err != nil {
				return nodes, err
			}
		}
	}
	return nodes, nil
}

func stopCluster(nodes []*node) {
	for _, n := range nodes {
		n.manager.Stop()
		n.server.GracefulShutdown()
		n.transport.CloseAllClients()
		_ = n.store.Close()
	}
}

func lead(leader *node, nodes []*node, term replog.LogTerm, count int) error {
	followers := make([]replog.ParticipantID, 0, len(nodes)-1)
	for _, n := range nodes {
		if n.id != leader.id {
			followers = append(followers, n.id)
		}
	}

	fmt.Println("========================================")
	fmt.Printf("Term %d: %s leads\n", term, leader.id)
	fmt.Println("========================================")

	if err := leader.manager.BecomeLeader(term, followers); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var last replog.LogIndex
	for i := 0; i < count; i++ {
		index, err := leader.manager.AppendEntry(ctx, []byte(fmt.Sprintf("term %d entry %d", term, i+1)))
		if err != nil {
			return err
		}
		last = index
	}

	status, err := leader.manager.WaitForIndex(ctx, last)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Appended %d entries, index %d committed (commit index %d, term %d)\n\n",
		count, last, status.CommitIndex, status.Term)
	return nil
}

// waitForConvergence polls until every participant reports the leader's commit index
func waitForConvergence(nodes []*node, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var target replog.LogIndex
		for _, n := range nodes {
			if s, err := n.manager.Status(); err == nil && s.IsLeader {
				target = s.CommitIndex
			}
		}

		converged := target > 0
		for _, n := range nodes {
			s, err := n.manager.Status()
			if err != nil || s.CommitIndex != target || s.LastIndex != target {
				converged = false
				break
			}
		}
		if converged {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("⚠️  Warning: participants did not converge within timeout")
}

func printStatus(nodes []*node) {
	for i, n := range nodes {
		s, err := n.manager.Status()
		if err != nil {
			fmt.Printf("Participant %d: %v\n", i+1, err)
			continue
		}
		role := "follower"
		if s.IsLeader {
			role = "leader"
		}
		fmt.Printf("Participant %d (%s): term=%d last=%d commit=%d\n", i+1, role, s.Term, s.LastIndex, s.CommitIndex)
		for id, rs := range s.Replication {
			fmt.Printf("    -> %s next=%d match=%d\n", id, rs.NextIndex, rs.MatchIndex)
		}
	}
	fmt.Println()
}
