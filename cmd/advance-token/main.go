// Command advance-token prints a signed access token for local testing.
//
//	JWT_SIGNING_KEY=dev advance-token -sub maria -role manager -ttl 8h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/warp/salary-advance/advance"
	"github.com/warp/salary-advance/api"
)

func main() {
	sub := flag.String("sub", "", "requester id (token subject)")
	role := flag.String("role", string(advance.RoleRequester), "requester, manager or admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	actor := advance.Actor{ID: advance.RequesterID(*sub), Role: advance.Role(*role)}
	if actor.ID == "" || !actor.Role.Valid() {
		flag.Usage()
		os.Exit(2)
	}

	token, err := api.NewIdentity(os.Getenv("JWT_SIGNING_KEY")).Issue(actor, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "advance-token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
