package prompt

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
)

// runMenu drives the interactive settings editor. Every change goes through
// the config manager so it is validated and persisted immediately.
func (p *Prompt) runMenu(scanner *bufio.Scanner) {
	for {
		cfg := p.manager.Snapshot()
		p.printf(`
Settings
  1) Group statistics: %v
  2) Default send method: %s
  3) Image aspect: %s
  4) Delay between groups: %.1fs
  5) Delay between messages: %.1fs
  6) Max reconnection attempts: %d
  7) Authorized numbers: %s
  8) Group name keywords: %s
  9) Link tracking domains: %s
  0) Back
`, cfg.GroupStatistics, cfg.DefaultSendMethod, cfg.ImageAspect,
			cfg.DelayBetweenGroups, cfg.DelayBetweenMessages, cfg.MaxReconnectionAttempts,
			listOrNone(cfg.AuthorizedNumbers), listOrNone(cfg.GroupNameKeywords),
			listOrNone(cfg.LinkTrackingDomains))

		p.printf("Option: ")
		choice, ok := p.readLine(scanner)
		if !ok {
			return
		}

		switch choice {
		case "0", "":
			return
		case "1":
			logMenuError(p.manager.Update(func(c *config.Config) {
				c.GroupStatistics = !c.GroupStatistics
			}))
		case "2":
			p.pickSendMethod(scanner)
		case "3":
			logMenuError(p.manager.Update(func(c *config.Config) {
				if c.ImageAspect == config.ImageAspectOriginal {
					c.ImageAspect = config.ImageAspectSquare
				} else {
					c.ImageAspect = config.ImageAspectOriginal
				}
			}))
		case "4":
			p.editDelay(scanner, "Delay between groups (seconds): ", func(c *config.Config, v float64) {
				c.DelayBetweenGroups = v
			})
		case "5":
			p.editDelay(scanner, "Delay between messages (seconds): ", func(c *config.Config, v float64) {
				c.DelayBetweenMessages = v
			})
		case "6":
			p.printf("Max reconnection attempts: ")
			raw, ok := p.readLine(scanner)
			if !ok {
				return
			}
			attempts, err := strconv.Atoi(raw)
			if err != nil || attempts < 1 {
				p.printf("Value must be a positive integer.\n")
				continue
			}
			logMenuError(p.manager.Update(func(c *config.Config) {
				c.MaxReconnectionAttempts = attempts
			}))
		case "7":
			p.editList(scanner, "number", func(c *config.Config) *[]string {
				return &c.AuthorizedNumbers
			})
		case "8":
			p.editList(scanner, "keyword", func(c *config.Config) *[]string {
				return &c.GroupNameKeywords
			})
		case "9":
			p.editList(scanner, "domain", func(c *config.Config) *[]string {
				return &c.LinkTrackingDomains
			})
		default:
			p.printf("Unknown option %q\n", choice)
		}
	}
}

func (p *Prompt) pickSendMethod(scanner *bufio.Scanner) {
	p.printf("Send method (1=FORWARD, 2=TEXT, 3=IMAGE): ")
	choice, ok := p.readLine(scanner)
	if !ok {
		return
	}
	methods := map[string]config.SendMethod{
		"1": config.SendMethodForward,
		"2": config.SendMethodText,
		"3": config.SendMethodImage,
	}
	method, found := methods[choice]
	if !found {
		p.printf("Unknown option %q\n", choice)
		return
	}
	logMenuError(p.manager.Update(func(c *config.Config) {
		c.DefaultSendMethod = method
	}))
}

func (p *Prompt) editDelay(scanner *bufio.Scanner, label string, apply func(*config.Config, float64)) {
	p.printf("%s", label)
	raw, ok := p.readLine(scanner)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		p.printf("Value must be a non-negative number.\n")
		return
	}
	logMenuError(p.manager.Update(func(c *config.Config) {
		apply(c, value)
	}))
}

// editList adds or removes one entry of a string-list setting. Entering an
// existing value removes it, a new value is appended.
func (p *Prompt) editList(scanner *bufio.Scanner, kind string, field func(*config.Config) *[]string) {
	p.printf("Enter %s to add, or an existing one to remove: ", kind)
	value, ok := p.readLine(scanner)
	if !ok || value == "" {
		return
	}
	logMenuError(p.manager.Update(func(c *config.Config) {
		list := field(c)
		for i, existing := range *list {
			if strings.EqualFold(existing, value) {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
		*list = append(*list, value)
	}))
}

func listOrNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}
