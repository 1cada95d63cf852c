// Command muxdemo-client dials a muxdemo-server WebSocket endpoint, opens
// one channel, sends a payload, and prints whatever comes back on it.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nbspou/wstalk/channel"
	"github.com/nbspou/wstalk/internal/cmdutil"
	"github.com/nbspou/wstalk/mux"
	"github.com/nbspou/wstalk/transport/ws"
)

var log = logrus.WithField("component", "muxdemo-client")

func main() {
	root := &cobra.Command{
		Use:   "muxdemo-client",
		Short: "Dials a demo multiplexer server over WebSocket and echoes a message",
		Run:   cmdutil.Mainify(run),
	}

	flags := root.Flags()
	flags.String("url", "ws://127.0.0.1:9000/ws", "server websocket URL to dial")
	flags.String("message", "hello", "payload to send on the opened channel")
	flags.Bool("keep-alive", true, "enable multiplexer keep-alive")
	viper.BindPFlag("url", flags.Lookup("url"))
	viper.BindPFlag("message", flags.Lookup("message"))
	viper.BindPFlag("keep-alive", flags.Lookup("keep-alive"))

	if err := root.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	url := viper.GetString("url")
	message := viper.GetString("message")
	keepAlive := viper.GetBool("keep-alive")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return errors.Wrap(err, "dial failed")
	}

	closed := make(chan struct{})
	cfg := mux.Config{Client: true, KeepAliveEnabled: keepAlive}
	m := mux.New(ws.New(conn), func(ch *channel.Channel, initial []byte) {
		log.WithField("channel", ch.ID()).Warn("unexpected inbound channel from server")
	}, func() {
		close(closed)
	}, cfg)

	ch, ok := m.OpenChannel(nil)
	if !ok {
		return errors.New("multiplexer refused to open a channel")
	}
	log.WithField("channel", ch.ID()).Info("channel opened")

	if err := ch.Send([]byte(message)); err != nil {
		return errors.Wrap(err, "sending message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, ok := ch.Receive(ctx)
	if !ok {
		return errors.New("channel closed before a reply arrived")
	}
	fmt.Println(string(reply))

	if err := ch.Close(); err != nil {
		return errors.Wrap(err, "closing channel")
	}
	return m.Close()
}
