package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"secumsg/services/messages/pkg/keyvault"
	"secumsg/services/messages/pkg/msgclient"

	"golang.org/x/term"
)

// readPassword is replaced in tests.
var readPassword = term.ReadPassword

func promptPassword(w io.Writer) (string, error) {
	fmt.Fprint(w, "Password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func session() (msgclient.Session, error) {
	if token == "" {
		return msgclient.Session{}, errors.New("access token required (--token or SECUMSG_TOKEN)")
	}
	uid := userID
	if uid == "" {
		sub, err := subjectOf(token)
		if err != nil {
			return msgclient.Session{}, err
		}
		uid = sub
	}
	return msgclient.Session{UserID: uid, AccessToken: token, DeviceID: deviceID}, nil
}

// login unlocks silently and falls back to asking for the password.
func login(ctx context.Context, w io.Writer) error {
	sess, err := session()
	if err != nil {
		return err
	}
	err = client.Login(ctx, sess, "")
	if !errors.Is(err, keyvault.ErrKeyUnavailable) {
		return err
	}
	pw, err := promptPassword(w)
	if err != nil {
		return err
	}
	return client.Login(ctx, sess, pw)
}

func online(ctx context.Context, w io.Writer) error {
	if err := login(ctx, w); err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	return client.CatchUp(ctx)
}
