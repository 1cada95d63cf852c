// Command muxdemo-server hosts a WebSocket upgrade endpoint and runs one
// Multiplexer (server role) per accepted connection, echoing every data
// payload it receives back on the same channel. An open's initial payload is
// logged by size, not echoed.
package main

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nbspou/wstalk/channel"
	"github.com/nbspou/wstalk/internal/cmdutil"
	"github.com/nbspou/wstalk/mux"
	"github.com/nbspou/wstalk/transport/ws"
)

var log = logrus.WithField("component", "muxdemo-server")

var upgrader = websocket.Upgrader{}

func main() {
	root := &cobra.Command{
		Use:   "muxdemo-server",
		Short: "Runs a demo multiplexer server over WebSocket",
		Run:   cmdutil.Mainify(run),
	}

	flags := root.Flags()
	flags.String("listen", ":9000", "address to listen on")
	flags.Bool("keep-alive", true, "enable multiplexer keep-alive")
	flags.Bool("auto-close", false, "close the multiplexer once its last channel closes")
	viper.BindPFlag("listen", flags.Lookup("listen"))
	viper.BindPFlag("keep-alive", flags.Lookup("keep-alive"))
	viper.BindPFlag("auto-close", flags.Lookup("auto-close"))

	if err := root.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	addr := viper.GetString("listen")
	keepAlive := viper.GetBool("keep-alive")
	autoClose := viper.GetBool("auto-close")

	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return errors.Wrap(err, "websocket upgrade failed")
		}
		serveConnection(conn, keepAlive, autoClose)
		return nil
	})

	log.WithField("addr", addr).Info("listening")
	return e.Start(addr)
}

func serveConnection(conn *websocket.Conn, keepAlive, autoClose bool) {
	cfg := mux.Config{Client: false, KeepAliveEnabled: keepAlive, AutoCloseEmpty: autoClose}
	mux.New(ws.New(conn), func(ch *channel.Channel, initial []byte) {
		log.WithField("channel", ch.ID()).WithField("initial-bytes", len(initial)).Info("inbound channel opened")
		go echoChannel(ch)
	}, func() {
		log.Info("multiplexer closed")
	}, cfg)
}

func echoChannel(ch *channel.Channel) {
	ctx := context.Background()
	for {
		payload, ok := ch.Receive(ctx)
		if !ok {
			return
		}
		if err := ch.Send(payload); err != nil {
			log.WithError(err).WithField("channel", ch.ID()).Warn("echo send failed")
			return
		}
	}
}
