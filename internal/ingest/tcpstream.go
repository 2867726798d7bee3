package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"vmsentry/internal/config"
	"vmsentry/internal/model"
)

// StartTCPStream accepts NDJSON sample streams, one sample per line.
func StartTCPStream(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.MetricSample, logger *slog.Logger) net.Addr {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, parser, out, logger)
		}
	}()
	return ln.Addr()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, parser *Parser, out chan<- model.MetricSample, logger *slog.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		sample, ok, err := parser.ParseLine(scanner.Text(), "tcp_stream")
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream normalize error", "remote", conn.RemoteAddr().String(), "err", err)
			}
			continue
		}
		if !ok {
			continue
		}
		SendNonBlocking(ctx, out, sample, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
