package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	chatter "github.com/putto11262002/chatter-client/app"
)

func main() {
	configPath := flag.String("c", "", "path to the config file (default ./config.yaml)")
	roomID := flag.Int64("room", 0, "open the chat room with this id")
	listRooms := flag.Bool("rooms", false, "print the room list and follow unread counts")
	friendID := flag.Int64("friend", 0, "open the private room shared with this user id")
	create := flag.String("create", "", "create a group room with this name and open it")
	members := flag.String("members", "", "comma separated user ids to add to the room created by -create")
	dev := flag.Bool("dev", false, "run against an in-process development backend")
	flag.Parse()

	var (
		config  *chatter.Config
		backend *chatter.DevBackend
		err     error
	)
	if *dev {
		backend, err = chatter.StartDevBackend(slog.New(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelWarn})))
		if err != nil {
			failed(1, "start dev backend: %v\n", err)
		}
		config, err = backend.Config()
		if err != nil {
			failed(1, "dev config: %v\n", err)
		}
		if *roomID == 0 && !*listRooms && *friendID == 0 && *create == "" {
			*roomID = backend.RoomID
		}
		fmt.Printf("dev backend on %s, signed in as alice\n", backend.URL)
	} else {
		config, err = chatter.LoadConfig(*configPath)
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}

	app, err := chatter.New(context.Background(), config)
	if err != nil {
		failed(1, "%v\n", err)
	}
	t := target{roomID: *roomID, listRooms: *listRooms, friendID: *friendID, create: *create}
	if t.members, err = parseIDs(*members); err != nil {
		failed(2, "invalid -members: %v\n", err)
	}
	code := run(app, t)
	if !app.Shutdown() {
		code = 1
	}
	if backend != nil {
		backend.Close(context.Background())
	}
	os.Exit(code)
}

type target struct {
	roomID    int64
	listRooms bool
	friendID  int64
	create    string
	members   []int64
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func run(app *chatter.App, t target) int {
	if err := app.Start(); err != nil {
		app.Logger().Error(err.Error())
		return 1
	}
	ctx := app.Context()

	var err error
	switch {
	case t.create != "":
		t.roomID, err = app.Rooms().CreateGroup(ctx, app.API(), t.create, t.members)
	case t.friendID > 0:
		t.roomID, err = app.API().PrivateRoomID(ctx, t.friendID)
	}
	if err != nil {
		app.Logger().Error(err.Error())
		return 1
	}

	switch {
	case t.listRooms:
		err = app.RunRooms(ctx, os.Stdout)
	case t.roomID > 0:
		err = app.RunRoom(ctx, t.roomID, os.Stdin, os.Stdout)
	default:
		flag.Usage()
		return 2
	}
	if err != nil && ctx.Err() == nil {
		app.Logger().Error(err.Error())
		return 1
	}
	return 0
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
