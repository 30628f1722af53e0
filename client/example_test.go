package client_test

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"

	"github.com/c0deZ3R0/go-offline-sync/client"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/server"
	"github.com/c0deZ3R0/go-offline-sync/storage/memory"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
)

func openExampleReplica(ctx context.Context, baseURL, clientID string) *client.Replica {
	tr, err := httptransport.NewClient(baseURL, httptransport.WithTransportLogger(logging.Discard()))
	if err != nil {
		log.Fatal(err)
	}
	store := client.NewMemoryStore()
	r, err := client.NewReplica(ctx, client.ReplicaConfig{
		ClientID:  clientID,
		Queue:     store,
		Cursors:   store,
		Local:     store,
		Transport: tr,
		Options:   client.Options{Logger: logging.Discard()},
	})
	if err != nil {
		log.Fatal(err)
	}
	return r
}

// Two replicas edit the same record while offline. The one that syncs
// first wins and the other adopts the server's copy.
func Example() {
	ctx := context.Background()

	svc := server.New(memory.New(), server.WithLogger(logging.Discard()))
	srv := httptest.NewServer(httptransport.NewHandler(svc, logging.Discard(), nil))
	defer srv.Close()

	alice := openExampleReplica(ctx, srv.URL, "alice")
	defer alice.Close()
	bob := openExampleReplica(ctx, srv.URL, "bob")
	defer bob.Close()

	sync := func(name string, r *client.Replica) {
		res, err := r.Driver().SyncNow(ctx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s: pushed %d, acked %d, conflicts %d, pulled %d\n",
			name, res.Pushed, res.Acked, res.Conflicts, res.Pulled)
	}
	show := func(name string, r *client.Replica) {
		rec, _, err := r.Get(ctx, "groceries")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s sees v%d %v\n", name, rec.Version, rec.Doc)
	}

	if _, err := alice.Put(ctx, "groceries", synckit.Doc{"item": "milk"}); err != nil {
		log.Fatal(err)
	}
	sync("alice", alice)
	sync("bob", bob)
	show("bob", bob)

	if _, err := alice.Put(ctx, "groceries", synckit.Doc{"item": "oat milk"}); err != nil {
		log.Fatal(err)
	}
	if _, err := bob.Put(ctx, "groceries", synckit.Doc{"item": "bread"}); err != nil {
		log.Fatal(err)
	}
	sync("alice", alice)
	sync("bob", bob)
	show("bob", bob)

	// Output:
	// alice: pushed 1, acked 1, conflicts 0, pulled 0
	// bob: pushed 0, acked 0, conflicts 0, pulled 1
	// bob sees v1 map[item:milk]
	// alice: pushed 1, acked 1, conflicts 0, pulled 0
	// bob: pushed 1, acked 0, conflicts 1, pulled 1
	// bob sees v2 map[item:oat milk]
}
