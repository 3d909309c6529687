package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

type ListCmd struct {
	StoreFlags `embed:""`
}

func (l *ListCmd) Run(globals *Globals) error {
	setupLogging(globals)

	store, err := l.openStore()
	if err != nil {
		return err
	}

	creds, err := store.List()
	if err != nil {
		return err
	}

	if len(creds) == 0 {
		fmt.Println("No credentials found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROLE\tSERIAL\tEXPIRES\tSTATUS")
	now := time.Now()
	for _, cred := range creds {
		status := "pending"
		expires := "-"
		if cred.Issued() {
			status = "valid"
			expires = cred.NotAfter.Format(time.RFC3339)
			if now.After(cred.NotAfter) {
				status = "expired"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cred.Name, orDash(cred.Role), orDash(cred.Serial), expires, status)
	}

	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
