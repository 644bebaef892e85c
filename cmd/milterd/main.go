// Command milterd is a no-op milter daemon that logs all milter
// communication it receives. It exists to exercise milter.Listener end to
// end, not as a production content filter.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/norihiro-kitaoka/milter-manager"
)

func main() {
	listenSpec := flag.String("listen", "inet:8892@127.0.0.1", "connection spec to listen on, e.g. inet:PORT@HOST, inet6:PORT@HOST or unix:PATH")
	socketMode := flag.Uint("socket-mode", 0660, "filesystem mode applied to a unix socket (ignored for inet/inet6)")
	flag.Parse()

	l := milter.NewListener(
		[]milter.Option{
			milter.WithHandler(func() milter.Handler { return &logHandler{} }),
			milter.WithNegotiationCallback(func(mtaVersion, milterVersion uint32, mtaActions, milterActions milter.OptAction, mtaProtocol, milterProtocol milter.OptProtocol, offeredDataSize milter.DataSize) (uint32, milter.OptAction, milter.OptProtocol, milter.DataSize, error) {
				log.Printf("negotiating: mta version %d, mta actions %s, mta protocol %s, offered data size %d", mtaVersion, mtaActions, mtaProtocol, offeredDataSize)
				return mtaVersion, mtaActions, 0, offeredDataSize, nil
			}),
		},
		milter.WithUnixSocketMode(os.FileMode(*socketMode)),
		milter.WithRemoveUnixSocketOnCreate(true),
		milter.WithRemoveUnixSocketOnClose(true),
	)

	if err := l.ListenSpec(*listenSpec); err != nil {
		log.Fatal(err)
	}
	log.Printf("milterd listening on %s", *listenSpec)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down milterd...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
