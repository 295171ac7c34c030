package lib

import (
	"log"
	"os"

	"github.com/pusher/pusher-http-go/v5"
)

const OperatorsChannel = "operators"

var pusherClient *pusher.Client

func GetPusherClient() *pusher.Client {
	if pusherClient != nil {
		return pusherClient
	}
	pusherClient = &pusher.Client{
		AppID:   os.Getenv("PUSHER_APP_ID"),
		Key:     os.Getenv("PUSHER_KEY"),
		Secret:  os.Getenv("PUSHER_SECRET"),
		Cluster: os.Getenv("PUSHER_CLUSTER"),
		Secure:  true,
	}
	return pusherClient
}

func NewPusherClient(c *pusher.Client) {
	pusherClient = c
}

// PusherAlerts pushes operator alerts (fraud scores, failed syncs) to the
// operator console channel.
type PusherAlerts struct {
	Channel string
}

func (p PusherAlerts) Alert(event string, payload any) error {
	channel := p.Channel
	if channel == "" {
		channel = OperatorsChannel
	}
	if err := GetPusherClient().Trigger(channel, event, payload); err != nil {
		log.Printf("[pusher] Error triggering %s on %s: %s\n", event, channel, err.Error())
		return err
	}
	return nil
}
