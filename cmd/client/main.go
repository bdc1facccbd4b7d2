package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"privchat/internal/keymanager"
	"privchat/internal/keystore"
	"privchat/internal/reconcile"
	"privchat/internal/service/app"
	"privchat/internal/transport"
	"privchat/internal/utils/log"
)

func main() {
	var (
		host   = flag.String("host", "localhost:9090", "server host:port")
		userID = flag.String("user", "", "your user id")
		peerID = flag.String("peer", "", "peer user id to chat with")
		store  = flag.String("store", "", "keystore path (default privchat-<user>.db)")
		secret = flag.String("secret", "", "device secret protecting the local keystore")
	)
	flag.Parse()

	if *userID == "" || *peerID == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "usage: client -user <id> -peer <id> -secret <device secret> [-host host:port]")
		os.Exit(1)
	}

	storePath := *store
	if storePath == "" {
		storePath = fmt.Sprintf("privchat-%s.db", *userID)
	}

	ks, err := keystore.Open(storePath, []byte(*secret))
	if err != nil {
		log.Fatal("open keystore failed", zap.Error(err))
	}
	defer ks.Close()

	api := app.NewAPIClient(*host, *userID)
	keys := keymanager.New(*userID, ks, api)
	tr := transport.New(&transport.WSDialer{URL: api.WSURL()}, transport.RealClock())
	rec := reconcile.New(api, keys, ks)

	a := app.NewApp(api, keys, tr, rec)
	defer a.Stop()

	if err := a.Run(context.Background(), *peerID); err != nil {
		log.Fatal("client failed", zap.Error(err))
	}
}
