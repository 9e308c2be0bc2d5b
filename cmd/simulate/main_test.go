package main

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/ladder/internal/adapters/http/api"
	service "github.com/okian/ladder/internal/app"
	"github.com/okian/ladder/internal/simulate"
	"github.com/okian/ladder/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func execute(args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestRootCmd(t *testing.T) {
	convey.Convey("Given the simulate command", t, func() {
		convey.Convey("Then the defaults are wired to flags", func() {
			cmd := newRootCmd()
			mode, err := cmd.Flags().GetString("mode")
			convey.So(err, convey.ShouldBeNil)
			convey.So(mode, convey.ShouldEqual, simulate.ModeSync)
			matches, err := cmd.Flags().GetInt("matches")
			convey.So(err, convey.ShouldBeNil)
			convey.So(matches, convey.ShouldEqual, defaultMatches)
		})

		convey.Convey("Then invalid flags are rejected before any request", func() {
			err := execute("--mode", "batch")
			convey.So(errors.Is(err, simulate.ErrInvalidConfig), convey.ShouldBeTrue)
			convey.So(execute("--log-level", "loud"), convey.ShouldNotBeNil)
		})

		convey.Convey("When run against a live server", func() {
			svc := service.New()
			convey.So(svc.Start(context.Background()), convey.ShouldBeNil)
			defer func() { _ = svc.Stop(context.Background()) }()
			r := mux.NewRouter()
			api.NewServer(svc, svc).Register(context.Background(), r)
			srv := httptest.NewServer(r)
			defer srv.Close()

			err := execute("--url", srv.URL, "--competitors", "5", "--matches", "20", "--workers", "2", "--seed", "3")

			convey.Convey("Then it completes and the ladder verifies", func() {
				convey.So(err, convey.ShouldBeNil)
				standings, err := svc.Standings(context.Background())
				convey.So(err, convey.ShouldBeNil)
				convey.So(standings, convey.ShouldHaveLength, 5)
			})
		})
	})
}
