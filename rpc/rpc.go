package rpc

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	golog "github.com/textileio/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var log = golog.Logger("rpc")

// StopTimeout is how long StopServer waits for in-flight calls.
var StopTimeout = 10 * time.Second

// GetClientOpts dial options for target.
func GetClientOpts(target string) (opts []grpc.DialOption) {
	if strings.HasSuffix(target, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return opts
}

// StopServer gracefully stops s, forcing it after StopTimeout.
func StopServer(s *grpc.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		log.Warnf("grpc server didn't stop gracefully in %s, forcing", StopTimeout)
		s.Stop()
	}
}
