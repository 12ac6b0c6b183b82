package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/pnet"
)

var (
	sendID       int16
	sendData     string
	sendType     string
	sendWait     time.Duration
	sendCompress bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one packet and print the reply",
	Long: `Send one packet through an auto-reconnecting client. With --wait the
command waits for a packet with the same id and prints it.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().Int16Var(&sendID, "id", 0, "packet id")
	sendCmd.Flags().StringVar(&sendData, "data", "", "payload")
	sendCmd.Flags().StringVar(&sendType, "type", "request", "packet type: request or reply")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "how long to wait for a reply, 0 to not wait")
	sendCmd.Flags().BoolVar(&sendCompress, "compress", false, "gzip the payload")
}

func parseType(s string) (pnet.Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request", "req":
		return pnet.Request, nil
	case "reply", "rep":
		return pnet.Reply, nil
	default:
		return 0, errors.Errorf("unknown packet type %q", s)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	typ, err := parseType(sendType)
	if err != nil {
		return err
	}
	opts, err := cfg.connOptions(pnetLogger(), nil)
	if err != nil {
		return err
	}

	p := pnet.NewPacket(typ, sendID, []byte(sendData))
	if sendCompress {
		if p, err = pnet.Compress(p); err != nil {
			return err
		}
	}

	replies := make(chan pnet.Packet, 1)
	client := pnet.NewReconnector(cfg.Host, cfg.Port, opts...)
	defer client.Close()
	client.SetListener(pnet.ListenerFuncs{Receive: func(reply pnet.Packet, c *pnet.Conn) error {
		if reply.ID() == sendID {
			select {
			case replies <- reply:
			default:
			}
		}
		return nil
	}})
	client.SetOnReconnect(func() {
		logger.Debug().Str("host", cfg.Host).Int("port", cfg.Port).Msg("connected")
	})

	if err := client.Send(p); err != nil {
		return err
	}
	logger.Info().Stringer("packet", p).Msg("sent")

	if sendWait <= 0 {
		return nil
	}

	select {
	case reply := <-replies:
		if sendCompress {
			if reply, err = pnet.Decompress(reply); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %q\n", reply, reply.Data())
		return nil
	case <-time.After(sendWait):
		return errors.Errorf("no reply within %s", sendWait)
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}
