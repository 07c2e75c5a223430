package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/purchase"
)

// pin this to your product
const packageID = "com.example.app"

const licenseID = "5f0c3d7e-license"

func main() {
	c := config.New()
	if err := c.Load("config.json"); err != nil {
		logrus.WithError(err).Fatal("Couldn't load configuration")
	}

	v, err := purchase.NewValidatorFromConfig(c.Client, purchase.Setup{})
	if err != nil {
		logrus.WithError(err).Fatal("Couldn't create validator")
	}
	defer v.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if !v.AccountAvailable(ctx) {
		fmt.Println("Sign in first: no account data available")
		os.Exit(1)
	}

	o := v.VerifyCurrentLicense(ctx, packageID)
	if o.Failed() {
		fmt.Println("Verification failed:", o.Error)
		os.Exit(1)
	}

	if !o.Paid {
		o = <-v.PurchaseLicenseAsync(ctx, licenseID)
		if o.Failed() {
			fmt.Println("Purchase failed:", o.Error)
			os.Exit(1)
		}
	}

	fmt.Println("An operation can be done with license", o.License)
}
